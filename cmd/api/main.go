package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/yourusername/clinic-portal/internal/config"
	"github.com/yourusername/clinic-portal/internal/handler"
	"github.com/yourusername/clinic-portal/internal/middleware"
	pgRepo "github.com/yourusername/clinic-portal/internal/repository/postgres"
	redisRepo "github.com/yourusername/clinic-portal/internal/repository/redis"
	"github.com/yourusername/clinic-portal/internal/service"
	"github.com/yourusername/clinic-portal/pkg/auth"
	"github.com/yourusername/clinic-portal/pkg/database"
	"github.com/yourusername/clinic-portal/pkg/otp"
)

func main() {
	// Загружаем конфигурацию
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	log.Printf("Загрузка конфигурации из %s", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		os.Exit(1)
	}

	// Инициализируем подключение к PostgreSQL
	db, err := database.NewPostgresDB(cfg.Database.PostgresConnectionString())
	if err != nil {
		log.Printf("Failed to connect to database: %v", err)
		os.Exit(1)
	}

	// Применяем миграции
	if err := database.MigrateDB(db); err != nil {
		log.Printf("Failed to migrate database: %v", err)
		os.Exit(1)
	}

	// Инициализируем подключение к Redis
	redisClient, err := database.NewUniversalRedisClient(cfg.Redis)
	if err != nil {
		log.Printf("Failed to connect to Redis: %v", err)
		os.Exit(1)
	}
	log.Println("Successfully connected to Redis")

	// Инициализируем репозитории
	subjectRepo := pgRepo.NewSubjectRepo(db)
	sessionRepo := pgRepo.NewVerificationSessionRepo(db)

	idempotencyRepo, err := redisRepo.NewIdempotencyRepo(redisClient)
	if err != nil {
		log.Printf("Failed to initialize IdempotencyRepo: %v", err)
		os.Exit(1)
	}

	// Кодек OTP: один на приложение, длина и pepper из конфигурации
	codec, err := otp.NewCodec(cfg.Verification.CodeLength, cfg.Verification.CodePepper)
	if err != nil {
		log.Printf("Failed to initialize OTP codec: %v", err)
		os.Exit(1)
	}

	// Шлюз доставки кодов
	var emailService service.EmailService
	switch cfg.Email.Provider {
	case "resend":
		emailService, err = service.NewResendEmailService(cfg.Email.APIKey, cfg.Email.From)
		if err != nil {
			log.Printf("Failed to initialize ResendEmailService: %v", err)
			os.Exit(1)
		}
	default:
		log.Println("Email delivery disabled, using noop email service")
		emailService = &service.NoopEmailService{}
	}

	// Политики flow: тайминги протокола берутся только из конфигурации
	policies := service.FlowPolicies(
		cfg.Verification.CodeTTL(),
		cfg.Verification.PasswordResetCodeTTL(),
		cfg.Verification.ResendCooldown(),
		cfg.Verification.MaxAttempts,
	)

	verificationService, err := service.NewVerificationService(
		subjectRepo,
		sessionRepo,
		idempotencyRepo,
		emailService,
		codec,
		policies,
		time.Duration(cfg.Email.DeliveryTimeoutSec)*time.Second,
		cfg.Verification.IdempotencyTTL(),
	)
	if err != nil {
		log.Printf("Failed to initialize VerificationService: %v", err)
		os.Exit(1)
	}

	registrationService, err := service.NewRegistrationService(subjectRepo, sessionRepo, codec)
	if err != nil {
		log.Printf("Failed to initialize RegistrationService: %v", err)
		os.Exit(1)
	}

	flowTokenService, err := auth.NewFlowTokenService(cfg.FlowToken.Secret, time.Duration(cfg.FlowToken.TTLMin)*time.Minute)
	if err != nil {
		log.Printf("Failed to initialize FlowTokenService: %v", err)
		os.Exit(1)
	}

	// Инициализируем обработчики и middleware
	verificationHandler := handler.NewVerificationHandler(verificationService, registrationService, subjectRepo, flowTokenService)
	flowTokenMiddleware := middleware.NewFlowTokenMiddleware(flowTokenService)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Инициализируем роутер Gin
	router := gin.Default()

	isProduction := gin.Mode() == gin.ReleaseMode

	// Настройка доверенных прокси для корректной работы c.ClientIP()
	// Rate limiter ключуется по IP, поэтому spoofing здесь критичен
	if isProduction {
		if err := router.SetTrustedProxies(nil); err != nil {
			log.Printf("Warning: failed to set trusted proxies: %v", err)
		}
	} else {
		if err := router.SetTrustedProxies([]string{"127.0.0.1", "::1"}); err != nil {
			log.Printf("Warning: failed to set trusted proxies: %v", err)
		}
	}

	// Настройка CORS
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"https://portal.clinic.kz", "http://localhost:5173", "http://localhost:3000"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "Idempotency-Key"},
		ExposeHeaders:    []string{"Content-Length", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// Настраиваем маршруты API
	api := router.Group("/api")
	{
		verification := api.Group("/verification")
		verification.Use(rateLimiter.LimitByIP(middleware.DefaultVerificationRateLimitConfig()))
		{
			// Входные точки flow — доступны без flow-токена,
			// но под строгим лимитом (перебор приглашений и кодов)
			strict := rateLimiter.Limit(middleware.StrictVerificationRateLimitConfig())
			verification.POST("/validate-identity", strict, verificationHandler.ValidateIdentity)
			verification.POST("/email-change/start", strict, verificationHandler.StartEmailChange)
			verification.POST("/password-reset/request", strict, verificationHandler.RequestPasswordReset)

			// Шаги протокола — только с flow-токеном
			flowSteps := verification.Group("/")
			flowSteps.Use(flowTokenMiddleware.RequireFlowToken())
			{
				flowSteps.POST("/claim-contact", verificationHandler.ClaimContact)
				flowSteps.POST("/resend-code", verificationHandler.ResendCode)
				flowSteps.POST("/verify-code", strict, verificationHandler.VerifyCode)
				flowSteps.POST("/change-contact", verificationHandler.ChangeContact)
				flowSteps.GET("/status", verificationHandler.Status)
				flowSteps.POST("/complete-registration", verificationHandler.CompleteRegistration)
				flowSteps.POST("/password-reset/complete", verificationHandler.CompletePasswordReset)
			}
		}
	}

	// Настраиваем HTTP сервер с тайм-аутами для защиты от slow client attacks
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Запускаем сервер в горутине
	go func() {
		log.Printf("Starting server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Failed to start server: %v", err)
		}
	}()

	log.Printf("Server started on port %s", cfg.Server.Port)

	// После получения сигнала SIGINT или SIGTERM выполняем graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
		os.Exit(1)
	}

	if err := redisClient.Close(); err != nil {
		log.Printf("Error closing Redis client: %v", err)
	}

	log.Println("Server exited properly")
}
