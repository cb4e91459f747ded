package platform

import (
	"fmt"
	"net/http"

	"github.com/komitreehouse/ads-budget-optimizer/internal/errs"
)

// classifyStatus maps a vendor HTTP response to the spec §7 error
// taxonomy: 2xx is success, 408/429/5xx are transient and worth a
// retry, every other 4xx is permanent and abandoned for the cycle.
func classifyStatus(op string, statusCode int) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	err := fmt.Errorf("%s returned status %d", op, statusCode)
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return errs.NewTransient(op, err)
	}
	if statusCode >= 500 {
		return errs.NewTransient(op, err)
	}
	return errs.NewPermanent(op, err)
}
