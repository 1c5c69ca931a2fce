package queue

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
	"syscall"

	"github.com/ternarybob/juris/internal/models"
)

// statusCodes matches HTTP status codes only as standalone tokens, so case
// numbers like 1000401-22.2023 or counts like 5003 never match
func statusCodes(codes ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|[^\w.\-])(?:` + strings.Join(codes, "|") + `)(?:[^\w.\-]|$)`)
}

// Message rules checked in order; the first match wins. Precise network
// signals come before the status-code rules.
var classificationRules = []struct {
	kind      models.ErrorKind
	fragments []string
	codes     *regexp.Regexp
}{
	{kind: models.ErrorKindTimeout, fragments: []string{"timeout", "timed out", "deadline exceeded"}},
	{kind: models.ErrorKindNetwork, fragments: []string{
		"econnrefused", "econnreset", "enotfound", "connection refused", "connection reset",
		"no such host", "socket hang up", "net::err_",
	}},
	{
		kind: models.ErrorKindAuthentication,
		fragments: []string{
			"unauthorized", "forbidden", "login failed", "invalid credentials",
			"authentication", "senha", "captcha",
		},
		codes: statusCodes("401", "403"),
	},
	{kind: models.ErrorKindStructural, fragments: []string{
		"selector", "element not found", "no such element", "unexpected structure",
		"layout changed", "waiting for selector", "cannot read properties of null",
	}},
	{
		kind: models.ErrorKindServerUnavailable,
		fragments: []string{
			"service unavailable", "bad gateway", "gateway timeout", "internal server error", "maintenance",
		},
		codes: statusCodes("500", "502", "503", "504"),
	},
	{kind: models.ErrorKindNetwork, fragments: []string{"network", "dns"}},
}

// matches reports whether msg (lower-cased) hits one of the rule's fragments or codes
func matches(msg string, fragments []string, codes *regexp.Regexp) bool {
	for _, fragment := range fragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return codes != nil && codes.MatchString(msg)
}

// Classify maps an error onto a kind and retry decision. It has no side effects.
// Errors already classified by a runner keep their classification.
func Classify(err error) *models.ScrapeError {
	if err == nil {
		return nil
	}

	var scrapeErr *models.ScrapeError
	if errors.As(err, &scrapeErr) {
		return scrapeErr
	}

	if errors.Is(err, models.ErrJobCanceled) || errors.Is(err, context.Canceled) {
		return models.NewScrapeError(models.ErrorKindCanceled, "execution canceled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewScrapeError(models.ErrorKindTimeout, "attempt exceeded its time limit", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return models.NewScrapeError(models.ErrorKindTimeout, "network timeout", err)
		}
		return models.NewScrapeError(models.ErrorKindNetwork, "network error", err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return models.NewScrapeError(models.ErrorKindNetwork, "connection failed", err)
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range classificationRules {
		if matches(msg, rule.fragments, rule.codes) {
			return models.NewScrapeError(rule.kind, "", err)
		}
	}

	return models.NewScrapeError(models.ErrorKindUnknown, "", err)
}
