package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/jamesirl/blog/config"
	"github.com/jamesirl/blog/controllers"
	"github.com/jamesirl/blog/middleware"
	"github.com/jamesirl/blog/utils"
	"github.com/jamesirl/blog/views"
)

// SetupRouter wires routes, middlewares, and controllers.
func SetupRouter(db *gorm.DB) *gin.Engine {
	cfg := config.Get()
	switch strings.ToLower(cfg.GinMode) {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.SetHTMLTemplate(views.Templates())

	// Replace default console logger with file-based zap logger
	gl, err := utils.NewRollingFileLogger(cfg.GinPath, cfg.LogLevel, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays, cfg.LogCompress)
	if err == nil {
		r.Use(utils.Ginzap(gl, time.RFC3339, true))
		r.Use(utils.RecoveryWithZap(gl, false))
	} else {
		// fallback to default recovery if logger failed to init
		r.Use(gin.Recovery())
	}

	r.Use(middleware.RequestTimeout(time.Duration(cfg.RequestTimeoutSec) * time.Second))
	r.Use(middleware.SessionLoader())

	r.Static("/static", "./static")

	postController := controllers.NewPostController(db)
	authController := controllers.NewAuthController(db)

	r.GET("/", postController.Index)
	r.GET("/filter/:topic", postController.Filter)
	r.GET("/posts/:idOrSlug", postController.Show)

	// Safety nets for bare admin paths: fall back to the index.
	r.GET("/posts", postController.Index)
	r.GET("/edit", postController.Index)
	r.GET("/delete", postController.Index)

	r.GET("/login", authController.LoginForm)
	r.GET("/register", authController.RegisterForm)
	r.GET("/logout", authController.Logout)

	credentials := r.Group("")
	credentials.Use(middleware.RateLimitMiddleware())
	credentials.POST("/login", authController.Login)
	credentials.POST("/register", authController.Register)

	admin := r.Group("")
	admin.Use(middleware.GodOnly())
	admin.GET("/create", postController.CreateForm)
	admin.POST("/create", postController.Create)
	admin.GET("/edit/:pid", postController.EditForm)
	admin.POST("/edit/:pid", postController.Edit)
	admin.POST("/delete/:pid", postController.Delete)

	r.NoRoute(func(ctx *gin.Context) {
		ctx.HTML(http.StatusNotFound, "notfound.html", gin.H{"Auth": false, "God": false})
	})

	return r
}
