package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// Ledger posting tasks. Payloads carry only ids; handlers re-load the
	// referenced row before posting so redelivered or stale payloads cannot
	// book outdated amounts.
	TaskLedgerPostEnrollment  = "ledger:post_enrollment"
	TaskLedgerPostRecognition = "ledger:post_recognition"
	TaskLedgerPostPayment     = "ledger:post_payment"
	TaskLedgerPostRefund      = "ledger:post_refund"

	// Cron tasks.
	TaskInstallmentsOverdue = "billing:installments_overdue"
	TaskLedgerIntegrityScan = "ledger:integrity_scan"
)

// EnrollmentPayload references an enrollment for posting tasks.
type EnrollmentPayload struct {
	EnrollmentID int64 `json:"enrollment_id"`
}

// PaymentPayload references a payment.
type PaymentPayload struct {
	PaymentID int64 `json:"payment_id"`
}

// RefundPayload references a refund.
type RefundPayload struct {
	RefundID int64 `json:"refund_id"`
}

// NewPostEnrollmentTask builds the receivable posting task.
func NewPostEnrollmentTask(enrollmentID int64) (*asynq.Task, error) {
	return newTask(TaskLedgerPostEnrollment, EnrollmentPayload{EnrollmentID: enrollmentID})
}

// NewPostRecognitionTask builds the revenue recognition posting task.
func NewPostRecognitionTask(enrollmentID int64) (*asynq.Task, error) {
	return newTask(TaskLedgerPostRecognition, EnrollmentPayload{EnrollmentID: enrollmentID})
}

// NewPostPaymentTask builds the cash settlement posting task.
func NewPostPaymentTask(paymentID int64) (*asynq.Task, error) {
	return newTask(TaskLedgerPostPayment, PaymentPayload{PaymentID: paymentID})
}

// NewPostRefundTask builds the reversing settlement posting task.
func NewPostRefundTask(refundID int64) (*asynq.Task, error) {
	return newTask(TaskLedgerPostRefund, RefundPayload{RefundID: refundID})
}

// NewInstallmentsOverdueTask builds the daily overdue sweep task.
func NewInstallmentsOverdueTask() *asynq.Task {
	return asynq.NewTask(TaskInstallmentsOverdue, nil)
}

// NewIntegrityScanTask builds the daily ledger balance scan task.
func NewIntegrityScanTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerIntegrityScan, nil)
}

func newTask(taskType string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}
