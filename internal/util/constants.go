package util

const (
	StorageLocal = "local"
	StorageMinio = "minio"
	StorageOSS   = "oss"
)

// 证书批量导入支持的文件类型
const (
	ImportCSV  = ".csv"
	ImportXLSX = ".xlsx"

	MaxImportFileSize = 10 << 20
)

// 证书序号分配方式，对应 certificate.sequence_backend
const (
	SequenceBackendDB    = "db"
	SequenceBackendRedis = "redis"
)
