package model

import "time"

// Расчетные периоды

type RevenuePeriod struct {
	ID          string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Status      string
}

const (
	RevenuePeriodStatusClosed     = "closed"
	RevenuePeriodStatusAttributed = "attributed"
)

// Журнал начислений. Записи только добавляются

type EarningsEntry struct {
	ID               string
	BandID           string
	RevenuePeriodID  string
	SubscriberID     string
	StreamCount      int64
	ListeningSeconds int64
	GrossCents       int64
	NetCents         int64
	CreatedAt        time.Time
}

// Баланс артиста

type ArtistBalance struct {
	BandID                string
	BalanceCents          int64
	LifetimeEarningsCents int64
	LastPayoutAt          *time.Time
}

// Выплаты

type Payout struct {
	ID                  string
	BandID              string
	AmountCents         int64
	Status              string
	TransferKey         string
	ExternalTransferRef string
	ErrorMessage        string
	CreatedAt           time.Time
	ProcessedAt         *time.Time
}

const (
	PayoutStatusPending   = "pending"
	PayoutStatusCompleted = "completed"
	PayoutStatusFailed    = "failed"
)

// Платежный аккаунт владельца

type PayoutAccount struct {
	OwnerID            string
	ExternalAccountRef string
	Status             string
	UpdatedAt          time.Time
}

const (
	PayoutAccountStatusNotConnected = "not_connected"
	PayoutAccountStatusPending      = "pending"
	PayoutAccountStatusActive       = "active"
	PayoutAccountStatusRestricted   = "restricted"
)

// Внешние факты (заполняются другими подсистемами)

type Band struct {
	ID      string
	OwnerID string
	Name    string
}

type Listen struct {
	SubscriberID    string
	BandID          string
	BandOwnerID     string
	DurationSeconds int64
	Completed       bool
	IsFreePlay      bool
	ListenedAt      time.Time
}

type Subscription struct {
	SubscriberID string
	Status       string
	PeriodStart  time.Time
	PeriodEnd    time.Time
	PriceCents   int64
}

const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusCanceled = "canceled"
	SubscriptionStatusPastDue  = "past_due"
)

// Баланс, сгруппированный по владельцу

type OwnerBalance struct {
	OwnerID string
	Bands   []ArtistBalance
}
