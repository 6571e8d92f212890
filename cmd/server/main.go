package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/tirgus/backend/docs"
	"github.com/tirgus/backend/internal/database"
	"github.com/tirgus/backend/internal/handlers"
	mW "github.com/tirgus/backend/internal/middleware"
	"github.com/tirgus/backend/internal/services"
)

// @title Tirgus Marketplace API
// @version 1.0
// @description API for the Tirgus marketplace wallet, catalog and support chat
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")

	viper.BindEnv("fees.listing_rate", "FEES_LISTING_RATE")
	viper.BindEnv("fees.listing_floor", "FEES_LISTING_FLOOR")
	viper.BindEnv("fees.reserve", "FEES_RESERVE")

	viper.BindEnv("assistant.endpoint", "ASSISTANT_ENDPOINT")
	viper.BindEnv("assistant.api_key", "ASSISTANT_API_KEY")
	viper.BindEnv("assistant.model", "ASSISTANT_MODEL")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Tirgus Marketplace API"
	docs.SwaggerInfo.Description = "API for the Tirgus marketplace wallet, catalog and support chat"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	ledgerService := services.NewLedgerService(db)
	walletService := services.NewWalletService(ledgerService)
	productService := services.NewProductService(db, ledgerService)
	conversationService := services.NewConversationService(db)

	var responder services.Responder = services.NewRuleResponder()
	if endpoint := viper.GetString("assistant.endpoint"); endpoint != "" {
		responder = services.NewRemoteResponder(
			endpoint,
			viper.GetString("assistant.api_key"),
			viper.GetString("assistant.model"),
		)
	}

	supportService := services.NewSupportService(db, redisClient, responder)
	voiceService := services.NewVoiceService()
	defer voiceService.Close()
	supportHandler := handlers.NewSupportHandler(supportService, voiceService)

	qrService := services.NewQRService(redisClient, ledgerService)
	qrHandler := handlers.NewQRHandler(qrService)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// Static file server for product images
	r.Handle("/static/product-images/*", http.StripPrefix("/static/product-images/",
		mW.StaticFileServer("./static/product-images")))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public catalog (no auth required)
		r.Get("/fees", productService.GetFees)
		r.Get("/products", productService.ListProducts)
		r.Get("/products/{productId}", productService.GetProduct)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			// Wallet endpoints
			r.Post("/wallet/accounts", walletService.CreateAccount)
			r.Post("/wallet/deposit", walletService.Deposit)
			r.Get("/wallet/balance", walletService.GetBalance)
			r.Get("/wallet/transactions", walletService.GetTransactions)
			r.Post("/wallet/topup/generate", qrHandler.GenerateTopUp)
			r.Post("/wallet/topup/redeem", qrHandler.RedeemTopUp)

			// Catalog endpoints
			r.Post("/products", productService.CreateProduct)
			r.Post("/products/{productId}/reserve", productService.ReserveProduct)
			r.Delete("/products/{productId}", productService.DeleteProduct)

			// Buyer-seller messaging endpoints
			r.Post("/conversations", conversationService.StartConversation)
			r.Get("/conversations", conversationService.ListConversations)
			r.Get("/conversations/{conversationId}/messages", conversationService.GetMessages)
			r.Post("/conversations/{conversationId}/messages", conversationService.SendMessage)

			// Support chat endpoints
			r.Post("/support/sessions", supportHandler.StartSession)
			r.Get("/support/sessions/{sessionId}", supportHandler.GetSession)
			r.Get("/support/sessions/{sessionId}/messages", supportHandler.GetMessages)
			r.Post("/support/sessions/{sessionId}/messages", supportHandler.PostMessage)
			r.Post("/support/sessions/{sessionId}/voice", supportHandler.PostVoiceMessage)
			r.Post("/support/sessions/{sessionId}/escalate", supportHandler.Escalate)
			r.Post("/support/sessions/{sessionId}/close", supportHandler.CloseSession)

			// Admin endpoints
			r.Group(func(r chi.Router) {
				r.Use(mW.AdminOnly)

				r.Get("/admin/support/sessions", supportHandler.ListSessions)
				r.Post("/admin/support/sessions/{sessionId}/reply", supportHandler.AdminReply)
			})
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
