package models

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// CreateJobRequest is the submission payload for a new scrape job
type CreateJobRequest struct {
	ScrapeType    string         `json:"scrape_type" toml:"scrape_type" yaml:"scrape_type" validate:"required"`
	ScrapeSubType string         `json:"scrape_sub_type,omitempty" toml:"scrape_sub_type" yaml:"scrape_sub_type"`
	Targets       []TargetConfig `json:"targets" toml:"targets" yaml:"targets" validate:"required,min=1,dive"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the request and reports every failing field in one error
func (r *CreateJobRequest) Validate() error {
	err := requestValidator().Struct(r)
	if err == nil {
		return r.checkDuplicates()
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid job request: %s", strings.Join(msgs, "; "))
}

func (r *CreateJobRequest) checkDuplicates() error {
	seen := make(map[string]bool, len(r.Targets))
	for _, t := range r.Targets {
		if seen[t.Tribunal] {
			return fmt.Errorf("invalid job request: duplicate tribunal %q", t.Tribunal)
		}
		seen[t.Tribunal] = true
	}
	return nil
}
