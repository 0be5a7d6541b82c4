// @title OpenCourse 后端 API
// @version 1.0
// @description 选课、学习进度、测验与结课证书服务。

// @host localhost:8080
// @BasePath /api
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name Authorization

package main

import (
	"context"
	"flag"
	"fmt"
	"opencourse_backend/internal/app"
	"opencourse_backend/internal/config"
	"opencourse_backend/pkg/logger"
	"os"
)

func main() {
	migrateOnly := flag.Bool("migrate-only", false, "执行数据库迁移后退出")
	migrate := flag.Bool("migrate", false, "release 模式下也在启动时执行迁移")
	flag.Parse()

	cfg, err := config.LoadConfig("configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg.ForceMigrate = *migrate || *migrateOnly
	cfg.MigrateOnly = *migrateOnly

	application := app.NewApp(cfg)
	defer logger.Log.Sync()

	if cfg.MigrateOnly {
		application.Close(context.Background())
		logger.Log.Info("Migration finished, exiting")
		return
	}

	application.Run()
}
