package inventory

import (
	"context"
	"io"
	"testing"
	"time"

	"mediserve/internal/clock"
	"mediserve/internal/lock"
	"mediserve/internal/model"
	"mediserve/internal/store"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var today = time.Date(2026, 1, 10, 8, 30, 0, 0, time.UTC)

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

type fixture struct {
	db     *gorm.DB
	ledger *Ledger
	alloc  *Allocator
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(store.MemoryDSN())
	require.NoError(t, err)
	log := logrus.New()
	log.SetOutput(io.Discard)
	locker := lock.NewLocal()
	return &fixture{
		db:     db,
		ledger: NewLedger(db, locker, clock.Fixed(today), log),
		alloc:  NewAllocator(db, locker),
	}
}

func (f *fixture) medicine(t *testing.T) *model.Medicine {
	t.Helper()
	m, err := f.ledger.CreateMedicine(context.Background(), NewMedicineInput{
		Name: "Paracetamol", Brand: "Biogesic", Category: "Analgesic",
		PrescriptionType: model.NonPrescription, OrderLimit: model.OrderLimit1Week,
	})
	require.NoError(t, err)
	return m
}

func (f *fixture) batch(t *testing.T, medicineID uint, expiry time.Time, qty int) *model.Batch {
	t.Helper()
	b, err := f.ledger.ReceiveBatch(context.Background(), ReceiveInput{
		MedicineID: medicineID, ExpiryDate: expiry, DateReceived: day(2026, 1, 2), Quantity: qty,
	})
	require.NoError(t, err)
	return b
}

func (f *fixture) reload(t *testing.T, b *model.Batch) model.Batch {
	t.Helper()
	var got model.Batch
	require.NoError(t, f.db.First(&got, b.ID).Error)
	return got
}
