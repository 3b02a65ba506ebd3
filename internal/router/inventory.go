package router

import (
	"strconv"
	"time"

	"mediserve/internal/inventory"
	"mediserve/internal/model"

	"github.com/gin-gonic/gin"
)

func createMedicine(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name             string                 `json:"name" binding:"required"`
			Brand            string                 `json:"brand"`
			Category         string                 `json:"category"`
			PrescriptionType model.PrescriptionType `json:"prescription_type" binding:"required"`
			OrderLimit       model.OrderLimit       `json:"order_limit" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		m, err := d.Ledger.CreateMedicine(c.Request.Context(), inventory.NewMedicineInput{
			Name:             req.Name,
			Brand:            req.Brand,
			Category:         req.Category,
			PrescriptionType: req.PrescriptionType,
			OrderLimit:       req.OrderLimit,
		})
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, m)
	}
}

func getMedicine(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		m, err := d.Ledger.GetMedicine(c.Request.Context(), id)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, gin.H{"medicine": m, "orderable": m.IsOrderable(), "max_order_quantity": m.MaxOrderQuantity()})
	}
}

// getStock 优先读缓存，未命中时回源库存账本。
func getStock(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		ctx := c.Request.Context()
		if d.Cache != nil {
			if n, found, err := d.Cache.Get(ctx, id); err == nil && found {
				ok(c, gin.H{"medicine_id": id, "available": n, "cached": true})
				return
			} else if err != nil {
				d.Log.WithError(err).Warn("read cached stock")
			}
		}
		if _, err := d.Ledger.GetMedicine(ctx, id); err != nil {
			fail(c, d, err)
			return
		}
		n, err := d.Ledger.TotalAvailable(ctx, id)
		if err != nil {
			fail(c, d, err)
			return
		}
		if d.Cache != nil {
			if err := d.Cache.Set(ctx, id, n); err != nil {
				d.Log.WithError(err).Warn("cache stock")
			}
		}
		ok(c, gin.H{"medicine_id": id, "available": n, "cached": false})
	}
}

func listBatches(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		list, err := d.Ledger.Batches(c.Request.Context(), id)
		if err != nil {
			fail(c, d, err)
			return
		}
		views := make([]gin.H, 0, len(list))
		for _, b := range list {
			views = append(views, gin.H{"batch": b, "code": b.Code(), "stock_percentage": b.StockPercentage()})
		}
		ok(c, views)
	}
}

func receiveBatch(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		var req struct {
			ExpiryDate   string `json:"expiry_date" binding:"required"`
			DateReceived string `json:"date_received" binding:"required"`
			Quantity     int    `json:"quantity" binding:"required,min=1"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		expiry, err := time.Parse(time.DateOnly, req.ExpiryDate)
		if err != nil {
			badRequest(c, "expiry_date must be YYYY-MM-DD")
			return
		}
		received, err := time.Parse(time.DateOnly, req.DateReceived)
		if err != nil {
			badRequest(c, "date_received must be YYYY-MM-DD")
			return
		}
		b, err := d.Ledger.ReceiveBatch(c.Request.Context(), inventory.ReceiveInput{
			MedicineID: id, ExpiryDate: expiry, DateReceived: received, Quantity: req.Quantity,
		})
		if err != nil {
			fail(c, d, err)
			return
		}
		forgetStock(c, d, id)
		ok(c, gin.H{"batch": b, "code": b.Code()})
	}
}

func archiveMedicine(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		if err := d.Ledger.ArchiveMedicine(c.Request.Context(), id); err != nil {
			fail(c, d, err)
			return
		}
		forgetStock(c, d, id)
		ok(c, gin.H{"medicine_id": id, "status": model.Archived})
	}
}

func restoreMedicine(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		if err := d.Ledger.RestoreMedicine(c.Request.Context(), id); err != nil {
			fail(c, d, err)
			return
		}
		ok(c, gin.H{"medicine_id": id, "status": model.Active})
	}
}

// batchAction 对单个批次执行归档/恢复，并清理对应药品的库存缓存。
func batchAction(d Deps, status model.Lifecycle, act func(*gin.Context, uint) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		b, err := d.Ledger.GetBatch(c.Request.Context(), id)
		if err != nil {
			fail(c, d, err)
			return
		}
		if err := act(c, id); err != nil {
			fail(c, d, err)
			return
		}
		forgetStock(c, d, b.MedicineID)
		ok(c, gin.H{"batch_id": id, "status": status})
	}
}

func archiveBatch(d Deps) gin.HandlerFunc {
	return batchAction(d, model.Archived, func(c *gin.Context, id uint) error {
		return d.Ledger.ArchiveBatch(c.Request.Context(), id)
	})
}

func restoreBatch(d Deps) gin.HandlerFunc {
	return batchAction(d, model.Active, func(c *gin.Context, id uint) error {
		return d.Ledger.RestoreBatch(c.Request.Context(), id)
	})
}

func expiringBatches(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		days := d.ExpiringDays
		if q := c.Query("days"); q != "" {
			n, err := strconv.Atoi(q)
			if err != nil || n <= 0 {
				badRequest(c, "days must be a positive integer")
				return
			}
			days = n
		}
		list, err := d.Ledger.ExpiringSoon(c.Request.Context(), days)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, gin.H{"days": days, "batches": list})
	}
}
