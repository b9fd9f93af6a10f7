// Command callback-lambda serves the OAuth2 redirect endpoint on AWS Lambda.
// It needs the dynamodb store and a fixed state secret shared with the
// polling bot.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/jun/drivebot/internal/app"
)

func main() {
	ctx := context.Background()

	cfg, err := app.LoadConfig(ctx, "")
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := app.NewLogger(os.Stdout, cfg.LogLevel, "json")
	if err := cfg.ValidateSplitCallback(); err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("init", "error", err)
		os.Exit(1)
	}
	lambda.Start(application.HandleRequest)
}
