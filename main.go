package main

import (
	"fmt"
	"log"
	"os"

	_ "clinicq/docs"
	"clinicq/internal/auth"
	"clinicq/internal/estimator"
	"clinicq/internal/events"
	"clinicq/internal/handlers"
	"clinicq/internal/models"
	"clinicq/internal/queue"
	"clinicq/internal/repository"
	"clinicq/internal/storage"
	"clinicq/internal/tasks"
	"clinicq/internal/waitlist"
	"clinicq/internal/ws"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// @Title						Живая очередь клиники
// @securityDefinitions.apikey	BearerAuth
// @in							header
// @name						Authorization
func main() {
	key := os.Getenv("ENV_CHEK")
	if key == "" {
		fmt.Println("Подключение к .env")
		err := godotenv.Load()
		if err != nil {
			log.Fatal("Ошибка получения .env")
		}
	}

	storage.ConnectDatabase()

	if err := storage.DB.AutoMigrate(
		&models.User{},
		&models.Clinic{},
		&models.Appointment{},
		&models.WaitlistEntry{},
		&models.QueueOverride{},
		&models.AbsentPatient{},
	); err != nil {
		log.Fatal("Ошибка при миграции... ", err.Error())
	}

	storage.InitRedis()

	repo := repository.NewGorm(storage.DB)
	bus := events.NewBus(256)
	engine := queue.NewEngine(repo, bus)
	manager := waitlist.NewManager(repo, bus)
	estClient := estimator.NewClient(storage.RedisClient)

	hub := ws.NewHub()
	bus.Subscribe("ws", 64, hub.HandleEvent)
	bus.Subscribe("log", 64, func(e queue.Event) {
		log.Printf("Событие %s (клиника %d)\n", e.Type, e.ClinicID)
	})
	go hub.Run()
	go bus.Run()

	planner := tasks.NewPlanner(repo, bus)
	planner.InitScheduler()

	queueHandlers := handlers.NewQueueHandlers(engine)
	scheduleHandlers := handlers.NewScheduleHandlers(repo)
	waitlistHandlers := handlers.NewWaitlistHandlers(manager)
	estimateHandlers := handlers.NewEstimateHandlers(repo, estClient)

	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	authGroup := r.Group("/auth")
	{
		authGroup.POST("/login", handlers.Login)
		authGroup.POST("/register", handlers.Register)
		authGroup.POST("/refresh", handlers.RefreshToken)
	}

	api := r.Group("/api", auth.AuthMiddleware())
	{
		appointments := api.Group("/appointments")
		{
			appointments.POST("", queueHandlers.CreateAppointment)
			appointments.POST("/:id/checkin", queueHandlers.CheckIn)
			appointments.POST("/:id/absent", queueHandlers.MarkAbsent)
			appointments.POST("/:id/return", queueHandlers.MarkReturned)
			appointments.POST("/:id/complete", queueHandlers.Complete)
			appointments.POST("/:id/reorder", queueHandlers.Reorder)
			appointments.POST("/:id/cancel", queueHandlers.Cancel)
			appointments.POST("/:id/emergency", queueHandlers.Emergency)
			appointments.POST("/:id/late", queueHandlers.LateArrival)
			appointments.POST("/:id/estimate", estimateHandlers.Refresh)
		}

		queues := api.Group("/queues")
		{
			queues.POST("/next", queueHandlers.CallNext)
			queues.GET("/schedule", scheduleHandlers.GetSchedule)
		}

		wl := api.Group("/waitlist")
		{
			wl.POST("", waitlistHandlers.Add)
			wl.GET("", waitlistHandlers.List)
			wl.POST("/:id/promote", waitlistHandlers.Promote)
			wl.POST("/:id/cancel", waitlistHandlers.Cancel)
		}
	}

	clinics := r.Group("/api/clinics")
	{
		clinics.GET("/:id/ws", hub.Handler())
	}

	if err := r.Run(":8080"); err != nil {
		log.Fatal("Ошибка запуска сервера...", err.Error())
	}
}
