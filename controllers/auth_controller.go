package controllers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/jamesirl/blog/config"
	"github.com/jamesirl/blog/middleware"
	"github.com/jamesirl/blog/models"
	"github.com/jamesirl/blog/utils"
)

const loginErrorMessage = "Incorrect password or username"

// AuthController handles registration, login and logout.
type AuthController struct {
	db *gorm.DB
}

// NewAuthController creates an AuthController.
func NewAuthController(db *gorm.DB) *AuthController {
	return &AuthController{db: db}
}

// LoginForm renders the login view.
func (a *AuthController) LoginForm(ctx *gin.Context) {
	ctx.HTML(http.StatusOK, "login.html", viewData(ctx, nil))
}

// RegisterForm renders the registration view.
func (a *AuthController) RegisterForm(ctx *gin.Context) {
	ctx.HTML(http.StatusOK, "register.html", viewData(ctx, nil))
}

// Login verifies credentials and establishes the session cookie. An unknown
// username redirects to registration; a wrong password re-renders the form
// with an error that deliberately does not say which field was wrong.
func (a *AuthController) Login(ctx *gin.Context) {
	username := strings.TrimSpace(ctx.PostForm("username"))
	password := ctx.PostForm("password")

	if username == "" || password == "" {
		ctx.HTML(http.StatusUnprocessableEntity, "login.html", viewData(ctx, gin.H{
			"Error": loginErrorMessage,
		}))
		return
	}

	var matches []models.User
	if err := a.db.WithContext(ctx.Request.Context()).
		Where("username = ?", username).
		Limit(2).
		Find(&matches).Error; err != nil {
		a.serverError(ctx, "load user", err)
		return
	}

	switch len(matches) {
	case 0:
		ctx.Redirect(http.StatusFound, "/register")
		return
	case 1:
		// authenticate below
	default:
		// username is unique; two matches mean corrupted data.
		a.serverError(ctx, "duplicate username", fmt.Errorf("username %q matches %d users", username, len(matches)))
		return
	}

	user := matches[0]
	if !utils.CheckPassword(user.PasswordHash, password) {
		ctx.HTML(http.StatusUnauthorized, "login.html", viewData(ctx, gin.H{
			"Error": loginErrorMessage,
		}))
		return
	}

	duration := time.Duration(config.Get().SessionHours) * time.Hour
	token, err := utils.GenerateSessionToken(user.Username, user.Privilege, duration)
	if err != nil {
		a.serverError(ctx, "generate session token", err)
		return
	}

	a.setSessionCookie(ctx, token, int(duration.Seconds()))
	ctx.Redirect(http.StatusFound, "/")
}

// Register creates an account with a bcrypt-hashed password. Privilege comes
// from the configured admin list, never from anything in the request.
func (a *AuthController) Register(ctx *gin.Context) {
	username := strings.TrimSpace(ctx.PostForm("username"))
	password := ctx.PostForm("password")

	errs := map[string]string{}
	if username == "" {
		errs["username"] = "username is required"
	}
	if len(password) < 6 {
		errs["password"] = "password must be at least 6 characters"
	}

	if len(errs) == 0 {
		var count int64
		if err := a.db.WithContext(ctx.Request.Context()).
			Model(&models.User{}).
			Where("username = ?", username).
			Count(&count).Error; err != nil {
			a.serverError(ctx, "check username", err)
			return
		}
		if count > 0 {
			errs["username"] = "username already exists"
		}
	}

	if len(errs) > 0 {
		ctx.HTML(http.StatusUnprocessableEntity, "register.html", viewData(ctx, gin.H{
			"Errors":   errs,
			"Username": username,
		}))
		return
	}

	hash, err := utils.HashPassword(password)
	if err != nil {
		a.serverError(ctx, "hash password", err)
		return
	}

	privilege := models.PrivilegeUser
	if config.IsAdminUsername(username) {
		privilege = models.PrivilegeGod
	}

	user := models.User{
		Username:     username,
		PasswordHash: hash,
		Privilege:    privilege,
	}
	if err := a.db.WithContext(ctx.Request.Context()).Create(&user).Error; err != nil {
		a.serverError(ctx, "create user", err)
		return
	}

	ctx.Redirect(http.StatusFound, "/")
}

// Logout revokes the session token and clears the cookie.
func (a *AuthController) Logout(ctx *gin.Context) {
	if token, ok := middleware.SessionToken(ctx); ok {
		expiresAt := time.Now().Add(time.Duration(config.Get().SessionHours) * time.Hour)
		if claims, err := utils.ParseSessionToken(token); err == nil && claims.ExpiresAt != nil {
			expiresAt = claims.ExpiresAt.Time
		}
		utils.BlacklistToken(token, expiresAt)
	}

	a.setSessionCookie(ctx, "", -1)
	ctx.Redirect(http.StatusFound, "/")
}

func (a *AuthController) setSessionCookie(ctx *gin.Context, token string, maxAge int) {
	ctx.SetSameSite(http.SameSiteLaxMode)
	ctx.SetCookie(middleware.SessionCookieName, token, maxAge, "/", "", false, true)
}

func (a *AuthController) serverError(ctx *gin.Context, op string, err error) {
	if utils.Sugar != nil {
		utils.Sugar.Errorw("request failed", "op", op, "path", ctx.Request.URL.Path, "err", err)
	}
	ctx.HTML(http.StatusInternalServerError, "servererror.html", viewData(ctx, nil))
}
