package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	t.Run("nil error stays nil", func(t *testing.T) {
		require.NoError(t, Wrap(nil, ErrCodeInternal, "failed"))
	})

	t.Run("keeps the cause reachable", func(t *testing.T) {
		cause := stderrors.New("connection reset")
		err := Wrap(cause, ErrCodeInternal, "failed to count stock")

		require.ErrorIs(t, err, cause)
		require.Equal(t, ErrCodeInternal, CodeOf(err))
		require.Contains(t, err.Error(), "failed to count stock")
		require.Contains(t, err.Error(), "connection reset")
	})
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"foreign error", stderrors.New("boom"), ErrCodeInternal},
		{"not found", NotFound("lead", "L1"), ErrCodeNotFound},
		{"wrapped by fmt", fmt.Errorf("distribute: %w", EmptyStock("c1")), ErrCodeEmptyStock},
		{"invalid input", InvalidInput("quantity", "must be positive"), ErrCodeInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", CrossOffice("A", "B"))

	require.ErrorIs(t, err, &AppError{Code: ErrCodeCrossOfficeForbidden})
	require.NotErrorIs(t, err, &AppError{Code: ErrCodeNotFound})
}

func TestHTTPStatus(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, HTTPStatus(InvalidInput("x", "bad")))
	require.Equal(t, http.StatusNotFound, HTTPStatus(NotFound("campaign", "c")))
	require.Equal(t, http.StatusForbidden, HTTPStatus(PermissionDenied("reset campaign")))
	require.Equal(t, http.StatusForbidden, HTTPStatus(CrossOffice("A", "B")))
	require.Equal(t, http.StatusConflict, HTTPStatus(EmptyStock("c")))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(stderrors.New("db down")))
}
