package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/auditarchive"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/config"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/database"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/env"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/planstore"
)

func main() {
	olderThan := flag.Duration("older-than", 0, "archive events finished before now minus this duration (default S3_ARCHIVE_AFTER)")
	flag.Parse()

	env.SetupEnvFile()

	cfg, err := config.LoadArchive()
	if err != nil {
		log.Fatalf("[AuditArchive] %v", err)
	}
	if !cfg.Enabled {
		log.Info("[AuditArchive] S3_ARCHIVE_ENABLED is false, nothing to do")
		return
	}
	if *olderThan <= 0 {
		*olderThan = cfg.Retention
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.SetupDatabase(); err != nil {
		log.Fatalf("[Database] %v", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	uploader, err := auditarchive.NewS3Client(initCtx, cfg)
	cancel()
	if err != nil {
		log.Fatalf("[AuditArchive] %v", err)
	}

	res, err := auditarchive.NewArchiver(planstore.New(database.GetDB()), uploader).Run(ctx, *olderThan)
	if err != nil {
		log.Fatalf("[AuditArchive] Run stopped after %d events: %v", res.Events, err)
	}
	log.Infof("[AuditArchive] Done: %d events in %d objects", res.Events, len(res.Objects))
}
