package domain

// State names combine the operation prefix with the outcome. The payment
// records its current state plus the last successful state; new operations
// validate against the latter, so a failed attempt does not strand the
// payment.

const StateInit = "INIT"

func statePrefix(t TransactionType) string {
	switch t {
	case TransactionAuthorize:
		return "AUTH"
	default:
		return string(t)
	}
}

// StateNameFor derives the state machine position reached by a transaction
// outcome.
func StateNameFor(t TransactionType, s TransactionStatus) string {
	prefix := statePrefix(t)
	switch s {
	case StatusSuccess:
		return prefix + "_SUCCESS"
	case StatusPending:
		return prefix + "_PENDING"
	case StatusPaymentFailed:
		return prefix + "_FAILED"
	default:
		// Plugin failures and lost answers share the errored position; the
		// janitor decides what actually happened.
		return prefix + "_ERRORED"
	}
}

// allowedFrom maps each operation to the last-success states it may start
// from. An empty entry means the operation opens a new payment.
var allowedFrom = map[TransactionType][]string{
	TransactionAuthorize: {StateInit},
	TransactionPurchase:  {StateInit},
	TransactionCredit:    {StateInit},
	TransactionCapture:   {"AUTH_SUCCESS", "CAPTURE_SUCCESS"},
	TransactionVoid:      {"AUTH_SUCCESS", "CAPTURE_SUCCESS"},
	TransactionRefund:    {"CAPTURE_SUCCESS", "PURCHASE_SUCCESS", "REFUND_SUCCESS"},
	TransactionChargeback: {
		"CAPTURE_SUCCESS", "PURCHASE_SUCCESS", "CHARGEBACK_SUCCESS",
	},
}

// CanTransition reports whether an operation may start given the payment's
// last successful state.
func CanTransition(lastSuccessState string, t TransactionType) bool {
	if lastSuccessState == "" {
		lastSuccessState = StateInit
	}
	for _, from := range allowedFrom[t] {
		if from == lastSuccessState {
			return true
		}
	}
	return false
}

// OpensPayment reports whether the operation creates the payment aggregate.
func OpensPayment(t TransactionType) bool {
	return t == TransactionAuthorize || t == TransactionPurchase || t == TransactionCredit
}
