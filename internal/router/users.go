package router

import (
	"mediserve/internal/model"

	"github.com/gin-gonic/gin"
)

func registerUser(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Email           string  `json:"email" binding:"required,email"`
			FirstName       string  `json:"first_name"`
			LastName        string  `json:"last_name"`
			SeniorCitizenID *string `json:"senior_citizen_id"`
			PWDID           *string `json:"pwd_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		u := &model.User{
			Email: req.Email, FirstName: req.FirstName, LastName: req.LastName,
			SeniorCitizenID: req.SeniorCitizenID, PWDID: req.PWDID,
		}
		if err := d.Users.Register(c.Request.Context(), u); err != nil {
			fail(c, d, err)
			return
		}
		ok(c, gin.H{"user": u, "priority": u.IsPriority()})
	}
}

// setDocuments 整体替换两种证件，未提供的字段会被清除。
func setDocuments(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		var req struct {
			SeniorCitizenID *string `json:"senior_citizen_id"`
			PWDID           *string `json:"pwd_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		ctx := c.Request.Context()
		if err := d.Users.SetDocuments(ctx, id, req.SeniorCitizenID, req.PWDID); err != nil {
			fail(c, d, err)
			return
		}
		prio, err := d.Users.IsPriorityUser(ctx, id)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, gin.H{"user_id": id, "priority": prio})
	}
}
