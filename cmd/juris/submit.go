package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/ternarybob/juris/internal/models"
	"github.com/ternarybob/juris/pkg/logstream"
	"gopkg.in/yaml.v3"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a scrape job to a running server",
	Long: `Submits a scrape job either from flags or from a request file (.json, .yaml or .toml).
With --follow the job's log is streamed until it finishes.`,
	Example: `  juris submit --type processos --tribunal TJSP --tribunal TJMG --follow
  juris submit -f request.yaml`,
	RunE: runSubmit,
}

var (
	submitServer   string
	submitType     string
	submitSubType  string
	submitTargets  []string
	submitFile     string
	submitFollow   bool
	submitPollOnly bool
)

func init() {
	submitCmd.Flags().StringVar(&submitServer, "server", "", "Server base URL (defaults to the configured host and port)")
	submitCmd.Flags().StringVar(&submitType, "type", "", "Scrape type, e.g. processos")
	submitCmd.Flags().StringVar(&submitSubType, "sub-type", "", "Scrape sub-type")
	submitCmd.Flags().StringArrayVar(&submitTargets, "tribunal", nil, "Tribunal to scrape (repeatable)")
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "Request file (.json, .yaml, .yml or .toml)")
	submitCmd.Flags().BoolVar(&submitFollow, "follow", false, "Stream the job log until it finishes")
	submitCmd.Flags().BoolVar(&submitPollOnly, "poll", false, "Follow by polling instead of the push stream")
}

type createdJob struct {
	JobID    string           `json:"jobId"`
	Status   models.JobStatus `json:"status"`
	Subtasks int              `json:"subtasks"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	req, err := buildSubmitRequest()
	if err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}

	baseURL := submitServer
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)
	}

	created, err := postJob(baseURL, req)
	if err != nil {
		return err
	}
	fmt.Printf("Job %s %s (%d sub-tasks)\n", created.JobID, created.Status, created.Subtasks)

	if !submitFollow {
		return nil
	}

	client := logstream.New(logstream.Config{
		BaseURL: baseURL,
		Logger:  logger,
	})
	if submitPollOnly {
		client.UsePolling()
	}

	result, err := client.Follow(cmd.Context(), created.JobID, func(entry models.LogEntry) error {
		printEntry(cmd.OutOrStdout(), entry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to follow job %s: %w", created.JobID, err)
	}

	fmt.Printf("Job %s finished: %s (via %s)\n", created.JobID, result.Status, result.Mode)
	if result.Status == models.JobStatusFailed {
		return fmt.Errorf("job %s failed", created.JobID)
	}
	return nil
}

// buildSubmitRequest reads the request file when given, then applies flags on top
func buildSubmitRequest() (*models.CreateJobRequest, error) {
	req := &models.CreateJobRequest{}

	if submitFile != "" {
		if err := decodeRequestFile(submitFile, req); err != nil {
			return nil, err
		}
	}

	if submitType != "" {
		req.ScrapeType = submitType
	}
	if submitSubType != "" {
		req.ScrapeSubType = submitSubType
	}
	for _, tribunal := range submitTargets {
		req.Targets = append(req.Targets, models.TargetConfig{Tribunal: strings.ToUpper(strings.TrimSpace(tribunal))})
	}
	return req, nil
}

func decodeRequestFile(path string, req *models.CreateJobRequest) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read request file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, req)
	case ".toml":
		err = toml.Unmarshal(data, req)
	case ".json", "":
		err = json.Unmarshal(data, req)
	default:
		return fmt.Errorf("unsupported request file type: %s", path)
	}
	if err != nil {
		return fmt.Errorf("failed to parse request file %s: %w", path, err)
	}
	return nil
}

func postJob(baseURL string, req *models.CreateJobRequest) (*createdJob, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(strings.TrimRight(baseURL, "/")+"/api/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to submit job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("server rejected job (%s): %s", resp.Status, apiErr.Error)
		}
		return nil, fmt.Errorf("server rejected job (%s)", resp.Status)
	}

	var created createdJob
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("malformed create response: %w", err)
	}
	return &created, nil
}

func printEntry(w io.Writer, entry models.LogEntry) {
	prefix := ""
	if entry.Tribunal != "" {
		prefix = "[" + entry.Tribunal + "] "
	}
	fmt.Fprintf(w, "%s %-7s %s%s\n", entry.Timestamp.Local().Format("15:04:05"), strings.ToUpper(string(entry.Level)), prefix, entry.Message)
}
