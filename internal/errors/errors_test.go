package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/victornm/liveroom/internal/errors"
)

func TestConvert(t *testing.T) {
	tests := map[string]struct {
		err      error
		wantCode errors.Code
		wantHTTP int
		public   bool
	}{
		"plain error becomes internal": {
			err:      stderrors.New("boom"),
			wantCode: errors.CodeInternal,
			wantHTTP: http.StatusInternalServerError,
		},
		"wrapped typed error keeps its code": {
			err:      fmt.Errorf("handler: %w", errors.Conflict("a round is already live")),
			wantCode: errors.CodeFailedPrecondition,
			wantHTTP: http.StatusConflict,
			public:   true,
		},
		"permission denied maps to forbidden": {
			err:      errors.PermissionDenied("only the host can do that"),
			wantCode: errors.CodePermissionDenied,
			wantHTTP: http.StatusForbidden,
			public:   true,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			e := errors.Convert(tt.err)
			assert.Equal(t, tt.wantCode, e.Code)
			assert.Equal(t, tt.wantHTTP, e.HTTPStatusCode())
			assert.Equal(t, tt.public, e.Public())
		})
	}
}

func TestError_GRPCStatusAndName(t *testing.T) {
	e := errors.New(errors.CodeInvalidArgument,
		errors.WithMessagef("question %d: prompt is required", 1),
		errors.WithCause(stderrors.New("cause")),
	)

	require.Equal(t, codes.InvalidArgument, e.GRPCStatus().Code())
	require.Equal(t, "question 1: prompt is required", e.GRPCStatus().Message())
	require.Equal(t, "invalid_argument", e.Name())
	require.True(t, errors.Is(e, errors.CodeInvalidArgument))
	require.EqualError(t, e.Unwrap(), "cause")
}
