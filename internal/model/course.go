package model

type CourseStatus string

const (
	CourseDraft    CourseStatus = "draft"
	CourseActive   CourseStatus = "active"
	CourseArchived CourseStatus = "archived"
)

// swagger:model Course
type Course struct {
	BaseModel
	Title        string       `gorm:"size:255;not null" json:"title"`
	InstructorID uint         `gorm:"index" json:"instructorId"`
	Instructor   string       `gorm:"size:100" json:"instructor"`
	Price        int64        `gorm:"default:0" json:"price"` // 分
	Status       CourseStatus `gorm:"size:20;default:'draft'" json:"status"`
	Lessons      []Lesson     `gorm:"foreignKey:CourseID" json:"lessons,omitempty"`
}

func (Course) TableName() string {
	return "courses"
}

// LessonIDs 按课程顺序返回课时ID
func (c *Course) LessonIDs() []uint {
	ids := make([]uint, 0, len(c.Lessons))
	for _, l := range c.Lessons {
		ids = append(ids, l.ID)
	}
	return ids
}

func (c *Course) HasLesson(lessonID uint) bool {
	for _, l := range c.Lessons {
		if l.ID == lessonID {
			return true
		}
	}
	return false
}

type Lesson struct {
	BaseModel
	CourseID uint   `gorm:"index;not null" json:"courseId"`
	Title    string `gorm:"size:255;not null" json:"title"`
	Order    int    `gorm:"default:0" json:"order"`
}

func (Lesson) TableName() string {
	return "lessons"
}
