package router

import (
	"strconv"
	"strings"

	"mediserve/internal/middleware"
	"mediserve/internal/model"
	"mediserve/internal/order"

	"github.com/gin-gonic/gin"
)

// placeOrder 返回调用者的购物车，用户 ID 取自 body 或前置层写入的 X-User-ID。
func placeOrder(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			UserID uint `json:"user_id"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, err.Error())
				return
			}
		}
		if req.UserID == 0 {
			if h := strings.TrimSpace(c.GetHeader(middleware.UserHeader)); h != "" {
				id, err := strconv.ParseUint(h, 10, 32)
				if err != nil {
					badRequest(c, "X-User-ID is invalid")
					return
				}
				req.UserID = uint(id)
			}
		}
		o, err := d.Orders.PlaceOrder(c.Request.Context(), req.UserID)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, o)
	}
}

func getOrder(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		o, err := d.Orders.Get(c.Request.Context(), id)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, o)
	}
}

func addItem(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		var req struct {
			MedicineID uint   `json:"medicine_id" binding:"required"`
			Quantity   int    `json:"quantity" binding:"required,min=1"`
			Note       string `json:"note" binding:"max=1024"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		item, err := d.Orders.AddItem(c.Request.Context(), order.AddItemInput{
			OrderID: id, MedicineID: req.MedicineID, Quantity: req.Quantity, Note: req.Note,
		})
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, item)
	}
}

func updateItem(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		medID, valid := paramID(c, "medicine_id")
		if !valid {
			return
		}
		var req struct {
			Quantity *int `json:"quantity" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		item, err := d.Orders.UpdateItem(c.Request.Context(), id, medID, *req.Quantity)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, gin.H{"item": item, "removed": item == nil})
	}
}

func removeItem(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		medID, valid := paramID(c, "medicine_id")
		if !valid {
			return
		}
		deleted, err := d.Orders.RemoveItem(c.Request.Context(), id, medID)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, gin.H{"cart_deleted": deleted})
	}
}

func checkoutOrder(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		n, err := d.Orders.Checkout(c.Request.Context(), id)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, gin.H{"order_id": id, "queue_number": n})
	}
}

func assignDriver(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		var req struct {
			Driver string `json:"driver" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		o, err := d.Orders.AssignDriver(c.Request.Context(), id, req.Driver)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, o)
	}
}

func shipOrder(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		var req struct {
			Driver string `json:"driver"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, err.Error())
				return
			}
		}
		o, err := d.Orders.Ship(c.Request.Context(), id, req.Driver)
		if err != nil {
			fail(c, d, err)
			return
		}
		meds := make([]uint, len(o.Items))
		for i, it := range o.Items {
			meds[i] = it.MedicineID
		}
		forgetStock(c, d, meds...)
		ok(c, o)
	}
}

// transition 适配只需订单 ID 的状态变更操作。
func transition(d Deps, act func(*gin.Context, uint) (*model.Order, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		o, err := act(c, id)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, o)
	}
}

func completeOrder(d Deps) gin.HandlerFunc {
	return transition(d, func(c *gin.Context, id uint) (*model.Order, error) {
		return d.Orders.Complete(c.Request.Context(), id)
	})
}

func cancelOrder(d Deps) gin.HandlerFunc {
	return transition(d, func(c *gin.Context, id uint) (*model.Order, error) {
		return d.Orders.Cancel(c.Request.Context(), id)
	})
}

func archiveOrder(d Deps) gin.HandlerFunc {
	return transition(d, func(c *gin.Context, id uint) (*model.Order, error) {
		return d.Orders.Archive(c.Request.Context(), id)
	})
}

func reopenOrder(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		n, err := d.Orders.Reopen(c.Request.Context(), id)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, gin.H{"order_id": id, "queue_number": n})
	}
}

func queuePosition(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		pos, queued, err := d.Orders.QueuePosition(c.Request.Context(), id)
		if err != nil {
			fail(c, d, err)
			return
		}
		data := gin.H{"order_id": id, "queued": queued, "position": nil}
		if queued {
			data["position"] = pos
		}
		ok(c, data)
	}
}

func queueHead(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		head, err := d.Orders.HeadOfQueue(c.Request.Context())
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, gin.H{"head": head})
	}
}

func dispensations(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		list, err := d.Orders.Dispensations(c.Request.Context(), id)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, list)
	}
}

func operations(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := d.Orders.ActiveOperations(c.Request.Context())
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, list)
	}
}

func requeue(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := d.Orders.RequeueAll(c.Request.Context())
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, out)
	}
}
