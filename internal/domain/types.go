package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type JobLock struct {
	JobName    string
	Owner      string
	AcquiredAt time.Time
}

type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionError   ExecutionStatus = "error"
)

// ExecutionRecord is the append-only audit row written once per job invocation.
type ExecutionRecord struct {
	ID         string          `json:"id"`
	JobName    string          `json:"job_name"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Status     ExecutionStatus `json:"status"`
	Message    string          `json:"message"`
	Processed  int             `json:"processed_count"`
}

const (
	AllocationMonthly = "monthly"
	AllocatedBySystem = "system"
)

type AllocationRecord struct {
	ID             string
	EmployeeID     string
	Period         string // YYYY-MM
	Amount         decimal.Decimal
	AllocationType string
	AllocatedBy    string
	Notes          string
	CreatedAt      time.Time
}

type BalanceStatus string

const (
	BalanceAllocated BalanceStatus = "allocated"
	BalancePartial   BalanceStatus = "partial"
	BalanceExhausted BalanceStatus = "exhausted"
)

type BalanceProjection struct {
	EmployeeID      string
	AllocatedAmount decimal.Decimal
	WithdrawnAmount decimal.Decimal
	CurrentPeriod   string
	Status          BalanceStatus
}

// ProjectStatus derives the tri-state balance status from the running totals.
func ProjectStatus(allocated, withdrawn decimal.Decimal) BalanceStatus {
	switch {
	case withdrawn.GreaterThanOrEqual(allocated):
		return BalanceExhausted
	case withdrawn.IsPositive():
		return BalancePartial
	default:
		return BalanceAllocated
	}
}

type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
)

// Terminal reports whether no transition may leave s.
func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalCompleted || s == WithdrawalFailed
}

type WithdrawalRequest struct {
	ID               string
	EmployeeID       string
	NetAmount        decimal.Decimal
	GatewayReference string
	Status           WithdrawalStatus
	FailureReason    string
	ProcessedAt      *time.Time
	CreatedAt        time.Time
}

type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelWhatsApp:
		return true
	}
	return false
}

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

type NotificationLogEntry struct {
	ID           string
	UserID       string
	Channel      Channel
	Subject      string
	Message      string
	Status       NotificationStatus
	ErrorMessage string
	Permanent    bool
	CreatedAt    time.Time
	SentAt       *time.Time
}

const (
	RoleEmployee = "employee"
	RoleAdmin    = "admin"
)

type User struct {
	ID     string
	Name   string
	Email  string
	Phone  string
	Role   string
	Active bool
}

// Employee is an eligible allocation target joined with its owning user.
type Employee struct {
	ID            string
	User          User
	MonthlySalary decimal.Decimal
	Active        bool
}

type SystemNotification struct {
	ID        string
	UserID    string
	Title     string
	Body      string
	IsRead    bool
	CreatedAt time.Time
}

// DeliveryCounts aggregates notification log outcomes for the digest.
type DeliveryCounts struct {
	Sent    int
	Failed  int
	Pending int
}
