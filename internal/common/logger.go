package common

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
)

// InitLogger builds the arbor logger from the [logging] section
func InitLogger(config *Config) arbor.ILogger {
	logger := arbor.NewLogger()

	timeFormat := config.Logging.TimeFormat
	if timeFormat == "" {
		timeFormat = "15:04:05"
	}

	hasFileOutput := false
	hasStdoutOutput := false
	for _, output := range config.Logging.Output {
		switch output {
		case "file":
			hasFileOutput = true
		case "stdout", "console":
			hasStdoutOutput = true
		}
	}

	if hasFileOutput {
		logsDir := config.Logging.Dir
		if logsDir == "" {
			logsDir = "./logs"
		}
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			fmt.Printf("Warning: Failed to create logs directory: %v\n", err)
		} else {
			logger = logger.WithFileWriter(models.WriterConfiguration{
				Type:       models.LogWriterTypeFile,
				FileName:   filepath.Join(logsDir, "juris.log"),
				TimeFormat: timeFormat,
				MaxSize:    100 * 1024 * 1024, // 100 MB
				MaxBackups: 3,
				TextOutput: true,
			})
		}
	}

	// Always keep a console writer when nothing else is configured
	if hasStdoutOutput || !hasFileOutput {
		logger = logger.WithConsoleWriter(models.WriterConfiguration{
			Type:       models.LogWriterTypeConsole,
			TimeFormat: timeFormat,
			TextOutput: true,
		})
	}

	return logger.WithLevelFromString(config.Logging.Level)
}
