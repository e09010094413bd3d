package main

import (
	"github.com/jamesirl/blog/config"
	"github.com/jamesirl/blog/models"
	"github.com/jamesirl/blog/routes"
	"github.com/jamesirl/blog/utils"
)

func main() {
	cfg := config.Load()

	// Initialize logger early
	if err := utils.InitLogger(cfg); err != nil {
		panic(err)
	}

	db := config.InitDatabase(&models.User{}, &models.Post{})

	r := routes.SetupRouter(db)

	utils.Sugar.Infof("Starting server on port %s (graceful)", cfg.AppPort)
	if err := utils.GraceServer(":"+cfg.AppPort, r); err != nil {
		utils.Sugar.Fatalf("server stopped with error: %v", err)
	}
}
