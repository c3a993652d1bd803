package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/tripledger/pkg/lease"
	"github.com/MarkoPoloResearchLab/tripledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/tripledger/pkg/reservation"
)

const codeInternal = "internal_error"

type errorMapping struct {
	target error
	status int
	code   string
}

// Order matters: a partial batch failure wraps its cause, so it is matched first.
var errorMappings = []errorMapping{
	{target: reservation.ErrPartialReservationFailure, status: http.StatusConflict, code: "partial_reservation_failure"},
	{target: ledger.ErrStorageTimeout, status: http.StatusServiceUnavailable, code: "storage_timeout"},
	{target: ledger.ErrInsufficientFunds, status: http.StatusConflict, code: "insufficient_funds"},
	{target: lease.ErrTripUnavailable, status: http.StatusConflict, code: "trip_unavailable"},
	{target: reservation.ErrTripNoLongerAvailable, status: http.StatusConflict, code: "trip_no_longer_available"},
	{target: lease.ErrLeaseExpired, status: http.StatusConflict, code: "lease_expired"},
	{target: reservation.ErrInvalidTransition, status: http.StatusConflict, code: "invalid_transition"},
	{target: lease.ErrNotHolder, status: http.StatusForbidden, code: "not_holder"},
	{target: reservation.ErrUnknownReservation, status: http.StatusNotFound, code: "unknown_reservation"},
	{target: ledger.ErrInvalidAmount, status: http.StatusBadRequest, code: "invalid_amount"},
	{target: ledger.ErrInvalidUserID, status: http.StatusBadRequest, code: "invalid_user_id"},
	{target: lease.ErrInvalidTripID, status: http.StatusBadRequest, code: "invalid_trip_id"},
	{target: lease.ErrInvalidSessionID, status: http.StatusBadRequest, code: "invalid_session_id"},
	{target: reservation.ErrInvalidBatch, status: http.StatusBadRequest, code: "invalid_batch"},
	{target: ledger.ErrInvalidMetadataJSON, status: http.StatusBadRequest, code: "invalid_metadata"},
	{target: ledger.ErrInvalidBalance, status: http.StatusInternalServerError, code: "invalid_balance"},
}

// classifyError maps a domain error to an HTTP status and a stable code.
func classifyError(err error) (int, string) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			return mapping.status, mapping.code
		}
	}
	return http.StatusInternalServerError, codeInternal
}
