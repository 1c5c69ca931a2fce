package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/juris/internal/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      models.ErrorKind
		retryable bool
	}{
		{"canceled sentinel", models.ErrJobCanceled, models.ErrorKindCanceled, false},
		{"context canceled", fmt.Errorf("run: %w", context.Canceled), models.ErrorKindCanceled, false},
		{"deadline", context.DeadlineExceeded, models.ErrorKindTimeout, true},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "esaj.tjsp.jus.br"}, models.ErrorKindNetwork, true},
		{"dns timeout", &net.DNSError{Err: "i/o timeout", Name: "esaj.tjsp.jus.br", IsTimeout: true}, models.ErrorKindTimeout, true},
		{"connection refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), models.ErrorKindNetwork, true},
		{"navigation timeout", errors.New("Navigation timeout of 30000 ms exceeded"), models.ErrorKindTimeout, true},
		{"http 401", errors.New("server responded 401"), models.ErrorKindAuthentication, false},
		{"login failed", errors.New("Login failed: invalid credentials"), models.ErrorKindAuthentication, false},
		{"missing selector", errors.New("waiting for selector `#tabelaResultados` failed"), models.ErrorKindStructural, false},
		{"bad gateway", errors.New("upstream returned 502 Bad Gateway"), models.ErrorKindServerUnavailable, true},
		{"socket hang up", errors.New("socket hang up"), models.ErrorKindNetwork, true},
		{"chrome net error", errors.New("page load error net::ERR_NAME_NOT_RESOLVED"), models.ErrorKindNetwork, true},
		{"http 403 status", errors.New("GET https://pje.tjmg.jus.br/consulta status 403"), models.ErrorKindAuthentication, false},
		{"reset with case number", errors.New("failed to fetch processo 1000401-22.2023.8.26.0100: connection reset by peer"), models.ErrorKindNetwork, true},
		{"chrome error with digits in url", errors.New("net::ERR_CONNECTION_CLOSED at https://esaj.tjsp.jus.br/cpopg/show.do?processo.codigo=0004030"), models.ErrorKindNetwork, true},
		{"hang up after large count", errors.New("page 2 of 5003 results: socket hang up"), models.ErrorKindNetwork, true},
		{"case number alone", errors.New("processo 0401403-15.2022.8.13.0024 returned an empty page"), models.ErrorKindUnknown, true},
		{"count is not a status", errors.New("found 5003 results but table was empty"), models.ErrorKindUnknown, true},
		{"unrecognised", errors.New("something odd happened"), models.ErrorKindUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.retryable, got.Retryable)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestClassify_KeepsRunnerClassification(t *testing.T) {
	original := &models.ScrapeError{Kind: models.ErrorKindStructural, Retryable: true, Message: "table moved"}
	got := Classify(fmt.Errorf("attempt 2: %w", original))
	assert.Same(t, original, got)
}

func TestClassify_IsDeterministic(t *testing.T) {
	err := errors.New("503 Service Unavailable")
	first := Classify(err)
	for i := 0; i < 5; i++ {
		again := Classify(err)
		assert.Equal(t, first.Kind, again.Kind)
		assert.Equal(t, first.Retryable, again.Retryable)
	}
	assert.Nil(t, Classify(nil))
}
