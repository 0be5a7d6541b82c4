package service

import (
	"context"
	"fmt"
	"io/fs"
	"opencourse_backend/internal/model"
	"opencourse_backend/internal/repository"
	"opencourse_backend/internal/testutil"
	"opencourse_backend/internal/util"
	"opencourse_backend/pkg/events"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var certIDPattern = regexp.MustCompile(`^OC-\d{4}-\d{3,}$`)

func TestFormatCertificateID(t *testing.T) {
	assert.Equal(t, "OC-2024-001", FormatCertificateID("OC", 2024, 1))
	assert.Equal(t, "OC-2024-042", FormatCertificateID("oc", 2024, 42))
	assert.Equal(t, "OC-2024-1234", FormatCertificateID("OC", 2024, 1234))
}

func TestGenerateStudentID(t *testing.T) {
	assert.Regexp(t, `^STU2024\d{4}$`, GenerateStudentID(2024))
}

func TestIssueForEnrollment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user, course, e := f.completedEnrollment(t, "Alice Smith")

	cert, err := f.certs.Issue(ctx, IssueRequest{EnrollmentID: e.ID})
	require.NoError(t, err)
	assert.Regexp(t, certIDPattern, cert.CertificateID)
	assert.Equal(t, fmt.Sprintf("OC-%d-001", time.Now().Year()), cert.CertificateID)
	assert.Equal(t, "Alice Smith", cert.StudentName)
	assert.Equal(t, course.Title, cert.CourseName)
	assert.Equal(t, "Dr. Ada Byron", cert.Instructor)
	assert.Equal(t, fmt.Sprint(user.ID), cert.StudentID)
	assert.Equal(t, model.CertificateActive, cert.Status)
	require.NotNil(t, cert.EnrollmentID)
	assert.Equal(t, e.ID, *cert.EnrollmentID)

	stored, err := f.enrollments.GetEnrollment(e.ID)
	require.NoError(t, err)
	assert.True(t, stored.CertificateIssued)
	require.NotNil(t, stored.CertificateID)
	assert.Equal(t, cert.CertificateID, *stored.CertificateID)
	assert.Equal(t, 1, f.events.count(events.CertificateIssued))

	_, err = f.certs.Issue(ctx, IssueRequest{EnrollmentID: e.ID})
	assert.ErrorIs(t, err, util.ErrAlreadyIssued)
}

func TestIssuePreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := testutil.SeedUser(t, f.db, "Bob Stone", model.Student)
	course := testutil.SeedCourse(t, f.db, "Go", 2)
	e, err := f.enrollments.Enroll(ctx, user.ID, course.ID)
	require.NoError(t, err)

	_, err = f.certs.Issue(ctx, IssueRequest{EnrollmentID: e.ID})
	assert.ErrorIs(t, err, util.ErrEnrollmentNotCompleted)

	_, err = f.certs.Issue(ctx, IssueRequest{EnrollmentID: "missing"})
	assert.ErrorIs(t, err, util.ErrEnrollmentNotFound)

	_, err = f.certs.Issue(ctx, IssueRequest{StudentName: "  "})
	assert.ErrorIs(t, err, util.ErrInvalidCertificate)

	// 失败的请求不消耗编号
	cert, err := f.certs.Issue(ctx, IssueRequest{StudentName: "Walk In", CourseName: "Workshop"})
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("OC-%d-001", time.Now().Year()), cert.CertificateID)
}

func TestIssueManual(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := testutil.SeedCourse(t, f.db, "Kubernetes", 1)
	done := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	cert, err := f.certs.Issue(ctx, IssueRequest{StudentName: "Carol Diaz", CourseID: course.ID, CompletionDate: &done})
	require.NoError(t, err)
	assert.Equal(t, "Kubernetes", cert.CourseName)
	assert.Equal(t, "Dr. Ada Byron", cert.Instructor)
	assert.Regexp(t, `^STU\d{8}$`, cert.StudentID)
	assert.Nil(t, cert.EnrollmentID)

	second, err := f.certs.Issue(ctx, IssueRequest{StudentName: "Dan Eve", StudentID: "S-9", CourseName: "Custom", Instructor: "Me"})
	require.NoError(t, err)
	assert.Equal(t, "S-9", second.StudentID)
	assert.NotEqual(t, cert.CertificateID, second.CertificateID)

	_, err = f.certs.Issue(ctx, IssueRequest{StudentName: "X", CourseID: 9999})
	assert.ErrorIs(t, err, util.ErrCourseNotFound)
}

func TestConcurrentIssuanceUniqueIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 25
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]bool)
	)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cert, err := f.certs.Issue(ctx, IssueRequest{
				StudentName: fmt.Sprintf("Student %d", i),
				CourseName:  "Load Test",
			})
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			ids[cert.CertificateID] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, ids, n)

	var count int64
	require.NoError(t, f.db.Model(&model.Certificate{}).Count(&count).Error)
	assert.Equal(t, int64(n), count)
}

func TestConcurrentIssuanceSameEnrollment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, e := f.completedEnrollment(t, "Eve Fay")

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		dup     int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.certs.Issue(ctx, IssueRequest{EnrollmentID: e.ID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case assert.ErrorIs(t, err, util.ErrAlreadyIssued):
				dup++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	assert.Equal(t, n-1, dup)

	var count int64
	require.NoError(t, f.db.Model(&model.Certificate{}).Where("enrollment_id = ?", e.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestIssueRetriesOnCollision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	year := time.Now().Year()

	// 历史数据占用了计数器即将分配的编号
	require.NoError(t, f.certRepo.Create(&model.Certificate{
		CertificateID: FormatCertificateID("OC", year, 1),
		StudentName:   "Legacy",
		CourseName:    "Legacy",
		IssuedAt:      time.Now(),
		Status:        model.CertificateActive,
	}))

	cert, err := f.certs.Issue(ctx, IssueRequest{StudentName: "New", CourseName: "Course"})
	require.NoError(t, err)
	assert.Equal(t, FormatCertificateID("OC", year, 2), cert.CertificateID)
}

func TestBulkIssue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := testutil.SeedCourse(t, f.db, "Data Science", 1)
	d := func(day int) time.Time { return time.Date(2024, 6, day, 0, 0, 0, 0, time.UTC) }

	res, err := f.certs.BulkIssue(ctx, BulkIssueRequest{
		CourseID: course.ID,
		Rows: []BulkRow{
			{StudentName: "A One", StudentID: "S1", CompletionDate: d(1)},
			{StudentName: "B Two", CompletionDate: d(2)},
			{StudentName: "C Three", StudentID: "S3", CompletionDate: d(3)},
		},
		CreatedBy: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, 0, res.Failed)

	year := time.Now().Year()
	for i, c := range res.Certificates {
		assert.Equal(t, FormatCertificateID("OC", year, int64(i+1)), c.CertificateID)
		assert.Equal(t, "Data Science", c.CourseName)
		require.NotNil(t, c.BatchID)
		assert.Equal(t, res.BatchID, *c.BatchID)
	}
	assert.Regexp(t, fmt.Sprintf(`^STU%d\d{4}$`, year), res.Certificates[1].StudentID)

	batch, err := f.certs.GetBatch(res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 3, batch.TotalRows)
	assert.Equal(t, 3, batch.Created)

	list, total, err := f.certs.List(repository.CertificateFilter{BatchID: res.BatchID}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, list, 3)
}

func TestBulkIssuePartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := testutil.SeedCourse(t, f.db, "Design", 1)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

	res, err := f.certs.BulkIssue(ctx, BulkIssueRequest{
		CourseID:     course.ID,
		PeriodStart:  &start,
		PeriodEnd:    &end,
		StrictPeriod: true,
		Rows: []BulkRow{
			{StudentName: "In Range", CompletionDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
			{StudentName: "", CompletionDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
			{StudentName: "Too Late", CompletionDate: time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)},
			{StudentName: "Also In", CompletionDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
		},
	})
	assert.ErrorIs(t, err, util.ErrPartialBatchFailure)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, 2, res.Errors[0].Row)
	assert.Equal(t, 3, res.Errors[1].Row)

	// 第 i 行固定使用 base+i，失败行留下空号
	year := time.Now().Year()
	assert.Equal(t, FormatCertificateID("OC", year, 1), res.Certificates[0].CertificateID)
	assert.Equal(t, FormatCertificateID("OC", year, 4), res.Certificates[1].CertificateID)

	batch, err := f.certs.GetBatch(res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Failed)
}

func TestBulkIssueValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.certs.BulkIssue(ctx, BulkIssueRequest{CourseID: 1})
	assert.ErrorIs(t, err, util.ErrEmptyBatch)

	_, err = f.certs.BulkIssue(ctx, BulkIssueRequest{CourseID: 9999, Rows: []BulkRow{{StudentName: "A", CompletionDate: time.Now()}}})
	assert.ErrorIs(t, err, util.ErrCourseNotFound)
}

func TestImportAndIssue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := testutil.SeedCourse(t, f.db, "Cloud", 1)

	data := []byte("name,student_id,completion_date\n" +
		"Ann Ash,S1,2024-01-10\n" +
		"Ben Birch,,2024/01/11\n" +
		"Cat Cole,S3,yesterday\n")

	res, err := f.certs.ImportAndIssue(ctx, ImportRequest{
		CourseID:  course.ID,
		Filename:  "january.csv",
		Data:      data,
		CreatedBy: 7,
	})
	assert.ErrorIs(t, err, util.ErrPartialBatchFailure)
	require.NotNil(t, res)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 4, res.Errors[0].Line)

	batch, err := f.certs.GetBatch(res.BatchID)
	require.NoError(t, err)
	assert.Contains(t, batch.SourceFile, "/uploads/imports/")
	assert.Contains(t, batch.SourceFile, "january.csv")
	assert.Equal(t, uint(7), batch.CreatedBy)

	_, err = f.certs.ImportAndIssue(ctx, ImportRequest{CourseID: course.ID, Filename: "x.txt", Data: data})
	assert.ErrorIs(t, err, util.ErrInvalidImportFile)
}

func TestImportAndIssueUnknownCourseDiscardsArchive(t *testing.T) {
	f := newFixture(t)
	root := f.certs.Storage.Provider.(*LocalStorageProvider).Config.LocalPath

	data := []byte("name,student_id,completion_date\nAnn Ash,S1,2024-01-10\n")
	res, err := f.certs.ImportAndIssue(context.Background(), ImportRequest{CourseID: 9999, Filename: "orphan.csv", Data: data})
	assert.ErrorIs(t, err, util.ErrCourseNotFound)
	assert.Nil(t, res)

	var files []string
	require.NoError(t, filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			files = append(files, p)
		}
		return err
	}))
	assert.Empty(t, files)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, e := f.completedEnrollment(t, "Gil Hay")

	cert, err := f.certs.Issue(ctx, IssueRequest{EnrollmentID: e.ID})
	require.NoError(t, err)

	revoked, err := f.certs.Revoke(ctx, " "+cert.CertificateID+" ", "fraud")
	require.NoError(t, err)
	assert.Equal(t, model.CertificateRevoked, revoked.Status)
	assert.Equal(t, "fraud", revoked.RevokeReason)
	require.NotNil(t, revoked.RevokedAt)

	// 身份字段不变，记录仍然存在
	stored, err := f.certs.Get(cert.CertificateID)
	require.NoError(t, err)
	assert.Equal(t, cert.StudentName, stored.StudentName)
	assert.Equal(t, cert.CourseName, stored.CourseName)
	assert.Equal(t, cert.ID, stored.ID)
	assert.Equal(t, model.CertificateRevoked, stored.Status)

	enrollment, err := f.enrollments.GetEnrollment(e.ID)
	require.NoError(t, err)
	assert.False(t, enrollment.CertificateIssued)
	require.NotNil(t, enrollment.CertificateID)
	assert.Equal(t, cert.CertificateID, *enrollment.CertificateID)

	again, err := f.certs.Revoke(ctx, cert.CertificateID, "second reason")
	require.NoError(t, err)
	assert.Equal(t, "fraud", again.RevokeReason)
	assert.Equal(t, 1, f.events.count(events.CertificateRevoked))

	_, err = f.certs.Revoke(ctx, "OC-1999-999", "x")
	assert.ErrorIs(t, err, util.ErrCertificateNotFound)

	// 吊销后可重新颁发，新编号不同
	reissued, err := f.certs.Issue(ctx, IssueRequest{EnrollmentID: e.ID})
	require.NoError(t, err)
	assert.NotEqual(t, cert.CertificateID, reissued.CertificateID)
}

func TestCertificateList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, name := range []string{"Ann", "Bea", "Cid"} {
		_, err := f.certs.Issue(ctx, IssueRequest{StudentName: name, CourseName: "Intro"})
		require.NoError(t, err)
	}
	first, total, err := f.certs.List(repository.CertificateFilter{Keyword: "Bea"}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "Bea", first[0].StudentName)

	page, total, err := f.certs.List(repository.CertificateFilter{}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, page, 1)
}
