// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	storemocks "github.com/stacklok/sessionbroker/pkg/session/store/mocks"
)

func TestGetHealthcheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		pingErr  error
		wantCode int
	}{
		{name: "store reachable", wantCode: http.StatusNoContent},
		{name: "store down", pingErr: assert.AnError, wantCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			s := storemocks.NewMockStore(ctrl)
			s.EXPECT().Ping(gomock.Any()).Return(tt.pingErr)

			resp := httptest.NewRecorder()
			HealthcheckRouter(s).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
			require.Equal(t, tt.wantCode, resp.Code)
			if tt.pingErr == nil {
				assert.Empty(t, resp.Body.String())
			}
		})
	}
}
