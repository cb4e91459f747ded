package platform

import (
	"errors"
	"net/http"
	"testing"

	"github.com/komitreehouse/ads-budget-optimizer/internal/errs"
)

func TestClassifyStatusSuccessIsNil(t *testing.T) {
	if err := classifyStatus("op", http.StatusOK); err != nil {
		t.Errorf("classifyStatus(200) = %v, want nil", err)
	}
}

func TestClassifyStatusTransientOn429And5xx(t *testing.T) {
	for _, code := range []int{http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusInternalServerError, http.StatusServiceUnavailable} {
		err := classifyStatus("op", code)
		var transient *errs.TransientError
		if !errors.As(err, &transient) {
			t.Errorf("classifyStatus(%d) = %v, want a TransientError", code, err)
		}
	}
}

func TestClassifyStatusPermanentOnOther4xx(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound} {
		err := classifyStatus("op", code)
		var permanent *errs.PermanentError
		if !errors.As(err, &permanent) {
			t.Errorf("classifyStatus(%d) = %v, want a PermanentError", code, err)
		}
	}
}
