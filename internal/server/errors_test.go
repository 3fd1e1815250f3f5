package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aimerfeng/AgentPay/internal/ledger"
	"github.com/aimerfeng/AgentPay/internal/reservation"
	"github.com/aimerfeng/AgentPay/internal/settlement"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serviceErrorStatus(t *testing.T, err error) int {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	respondServiceError(c, err)
	return w.Code
}

func TestServiceErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"unknown settlement is a 404", settlement.ErrSettlementNotFound, http.StatusNotFound},
		{"unknown reservation is a 404", reservation.ErrReservationNotFound, http.StatusNotFound},
		{"unknown agent is a 404", ledger.ErrAgentNotFound, http.StatusNotFound},
		{"paused caller on the reserve path is a spend denial", reservation.ErrCallerPaused, http.StatusPaymentRequired},
		{"suspended callee on the reserve path is rejected", reservation.ErrCalleeSuspended, http.StatusBadRequest},
		{"balance shortfall is payment required", ledger.ErrInsufficientBalance, http.StatusPaymentRequired},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := serviceErrorStatus(t, tc.err); got != tc.want {
				t.Fatalf("status for %v = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}
