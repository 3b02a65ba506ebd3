package router

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"mediserve/internal/apperr"
	"mediserve/internal/config"
	"mediserve/internal/identity"
	"mediserve/internal/inventory"
	"mediserve/internal/middleware"
	"mediserve/internal/order"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// StockCache 可选的药品库存读缓存。
type StockCache interface {
	Get(ctx context.Context, medicineID uint) (int, bool, error)
	Set(ctx context.Context, medicineID uint, available int) error
	Forget(ctx context.Context, medicineIDs ...uint) error
}

type Deps struct {
	Orders *order.Service
	Ledger *inventory.Ledger
	Users  *identity.Directory
	// 单实例模式下 Cache 与 CheckoutLimit 为 nil
	Cache         StockCache
	CheckoutLimit gin.HandlerFunc
	AdminToken    string
	ExpiringDays  int
	Log           logrus.FieldLogger
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	admin := middleware.AdminToken(d.AdminToken)
	checkout := []gin.HandlerFunc{}
	if d.CheckoutLimit != nil {
		checkout = append(checkout, d.CheckoutLimit)
	}

	api := r.Group("/api")

	// 订单（用户）
	api.POST("/orders", placeOrder(d))
	api.GET("/orders/:id", getOrder(d))
	api.POST("/orders/:id/items", addItem(d))
	api.PUT("/orders/:id/items/:medicine_id", updateItem(d))
	api.DELETE("/orders/:id/items/:medicine_id", removeItem(d))
	api.POST("/orders/:id/checkout", append(checkout, checkoutOrder(d))...)
	api.POST("/orders/:id/cancel", cancelOrder(d))
	api.GET("/orders/:id/queue", queuePosition(d))
	api.GET("/queue/head", queueHead(d))

	// 订单（员工）
	api.PUT("/orders/:id/driver", admin, assignDriver(d))
	api.POST("/orders/:id/ship", admin, shipOrder(d))
	api.POST("/orders/:id/complete", admin, completeOrder(d))
	api.POST("/orders/:id/reopen", admin, reopenOrder(d))
	api.POST("/orders/:id/archive", admin, archiveOrder(d))
	api.GET("/orders/:id/dispensations", admin, dispensations(d))
	api.GET("/operations", admin, operations(d))
	api.POST("/queue/requeue", admin, requeue(d))

	// 药品与批次
	api.GET("/medicines/:id", getMedicine(d))
	api.GET("/medicines/:id/stock", getStock(d))
	api.POST("/medicines", admin, createMedicine(d))
	api.GET("/medicines/:id/batches", admin, listBatches(d))
	api.POST("/medicines/:id/batches", admin, receiveBatch(d))
	api.POST("/medicines/:id/archive", admin, archiveMedicine(d))
	api.POST("/medicines/:id/restore", admin, restoreMedicine(d))
	api.POST("/batches/:id/archive", admin, archiveBatch(d))
	api.POST("/batches/:id/restore", admin, restoreBatch(d))
	api.GET("/batches/expiring", admin, expiringBatches(d))

	// 用户初始化
	api.POST("/users", admin, registerUser(d))
	api.PUT("/users/:id/documents", admin, setDocuments(d))
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "msg": msg, "kind": apperr.KindValidation.String()})
}

// fail 将业务错误映射为 HTTP 状态码，其余返回 500。
func fail(c *gin.Context, d Deps, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		config.LogError(d.Log, "router", c.FullPath(), c.Request.Method, c.Params, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "msg": "internal error"})
		return
	}
	status := http.StatusInternalServerError
	switch ae.Kind {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindPrecondition, apperr.KindInsufficientStock:
		status = http.StatusConflict
	}
	body := gin.H{"code": status, "msg": ae.Error(), "kind": ae.Kind.String()}
	if ae.Reason != "" {
		body["reason"] = ae.Reason
	}
	if ae.RelatedID != 0 {
		body["related_id"] = ae.RelatedID
	}
	if len(ae.Violations) > 0 {
		body["violations"] = ae.Violations
	}
	c.JSON(status, body)
}

func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		badRequest(c, name+" is invalid")
		return 0, false
	}
	return uint(id), true
}

// forgetStock 清理库存缓存，下次读取时自动回填。
func forgetStock(c *gin.Context, d Deps, medicineIDs ...uint) {
	if d.Cache == nil || len(medicineIDs) == 0 {
		return
	}
	if err := d.Cache.Forget(c.Request.Context(), medicineIDs...); err != nil {
		d.Log.WithError(err).Warn("forget cached stock")
	}
}
