package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"qrattend/internal/app"
	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/config"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/notify"
	"qrattend/internal/qrtoken"
	"qrattend/internal/queue"
	"qrattend/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := app.NewLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.App, logger *zap.Logger) error {
	ctx := context.Background()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := app.Migrate(ctx, db.Client, cfg.MigrationsDir); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	}

	repo := attendance.NewRepository(db.Client)
	applyStoredSettings(ctx, repo, logger, &cfg)

	codec := qrtoken.New(cfg.QRSecret, cfg.TokenExpiryDays, cfg.TokenLength)
	if cfg.QRSecret == "" {
		logger.Warn("QR_SECRET not set: token checksums protect against corruption only, not tampering")
	}

	svc := attendance.NewService(repo, codec, notify.NewQueuePublisher(q), logger, attendance.Options{
		LateThreshold: cfg.LateThreshold,
		MaxDailyScans: cfg.MaxDailyScans,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:           24 * time.Hour,
		AllowCredentials: false,
	}))
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/auth/login", func(c *gin.Context) {
		var req struct {
			Username string `json:"username" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user, err := repo.UserByUsername(c.Request.Context(), req.Username)
		if err != nil {
			logger.Error("user lookup failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}
		if user == nil || !user.Active ||
			bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		tokens, err := auth.Issue(user.ID, user.Username, user.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
			"full_name":     user.FullName,
			"role":          user.Role,
		})
	})

	authGroup := r.Group("/v1", auth.StaffAuth(cfg.JWTSigningKey, cfg.JWTIssuer))
	adminOnly := auth.RequireRole("admin")

	authGroup.POST("/scans", func(c *gin.Context) {
		var req struct {
			QRCode   string `json:"qr_code" binding:"required"`
			RoomCode string `json:"room_code" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var recordedBy *string
		if claimsAny, ok := c.Get(auth.ContextClaims); ok {
			if claims, ok := claimsAny.(auth.Claims); ok && claims.Subject != "" {
				recordedBy = &claims.Subject
			}
		}

		result := svc.ProcessScan(c.Request.Context(), req.QRCode, req.RoomCode, recordedBy)
		c.JSON(scanHTTPStatus(result), result)
	})

	authGroup.GET("/attendance/recent", func(c *gin.Context) {
		limit := 10
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		records, err := repo.RecentAttendance(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	authGroup.GET("/attendance/summary", func(c *gin.Context) {
		date := c.Query("date")
		if date == "" {
			date = time.Now().Format("2006-01-02")
		}
		summary, err := repo.SummaryForDate(c.Request.Context(), date)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	// Manual status correction; the only path that may set absent/excused.
	authGroup.PATCH("/attendance/:id/status", adminOnly, func(c *gin.Context) {
		var req struct {
			Status string  `json:"status" binding:"required"`
			Notes  *string `json:"notes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		status := attendance.Status(req.Status)
		switch status {
		case attendance.StatusPresent, attendance.StatusLate, attendance.StatusAbsent, attendance.StatusExcused:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
			return
		}
		if err := repo.UpdateAttendanceStatus(c.Request.Context(), c.Param("id"), status, req.Notes); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": true})
	})

	authGroup.GET("/notifications", func(c *gin.Context) {
		limit := 20
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		items, err := repo.RecentNotifications(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"notifications": items})
	})

	authGroup.POST("/students", adminOnly, func(c *gin.Context) {
		var req struct {
			StudentID  string  `json:"student_id" binding:"required"`
			FirstName  string  `json:"first_name" binding:"required"`
			LastName   string  `json:"last_name" binding:"required"`
			Department string  `json:"department" binding:"required"`
			YearLevel  int     `json:"year_level" binding:"required"`
			Section    string  `json:"section" binding:"required"`
			Email      *string `json:"email"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s := attendance.Student{
			ExternalID: req.StudentID,
			FirstName:  req.FirstName,
			LastName:   req.LastName,
			Department: req.Department,
			YearLevel:  req.YearLevel,
			Section:    req.Section,
			Email:      req.Email,
			Active:     true,
		}
		if err := repo.CreateStudent(c.Request.Context(), &s); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, s)
	})

	authGroup.GET("/students", func(c *gin.Context) {
		includeInactive := c.Query("include_inactive") == "true"
		students, err := repo.ListStudents(c.Request.Context(), includeInactive)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"students": students})
	})

	// Issues a fresh QR payload for a student. Rendering the image is the
	// client's concern; the server only signs the token.
	authGroup.GET("/students/:student_id/qr", func(c *gin.Context) {
		student, err := repo.StudentByExternalID(c.Request.Context(), c.Param("student_id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		if student == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "student not found"})
			return
		}
		token, err := codec.Encode(student.ExternalID, map[string]string{
			"name":       student.FullName(),
			"department": student.Department,
			"year":       strconv.Itoa(student.YearLevel),
			"section":    student.Section,
		})
		if err != nil {
			logger.Error("token encode failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"student_id": student.ExternalID, "qr_data": token})
	})

	authGroup.POST("/rooms", adminOnly, func(c *gin.Context) {
		var req struct {
			RoomCode string  `json:"room_code" binding:"required"`
			RoomName string  `json:"room_name" binding:"required"`
			Building *string `json:"building"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rm := attendance.Room{Code: req.RoomCode, Name: req.RoomName, Building: req.Building, Active: true}
		if err := repo.CreateRoom(c.Request.Context(), &rm); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, rm)
	})

	authGroup.GET("/rooms", func(c *gin.Context) {
		includeInactive := c.Query("include_inactive") == "true"
		rooms, err := repo.ListRooms(c.Request.Context(), includeInactive)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rooms": rooms})
	})

	authGroup.GET("/rooms/:code/schedule", func(c *gin.Context) {
		room, err := repo.RoomByCode(c.Request.Context(), c.Param("code"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		if room == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		schedule, err := repo.RoomSchedule(c.Request.Context(), room.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"room": room, "schedule": schedule})
	})

	authGroup.POST("/rooms/:code/schedule", adminOnly, func(c *gin.Context) {
		room, err := repo.RoomByCode(c.Request.Context(), c.Param("code"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		if room == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		var req struct {
			SubjectID *string `json:"subject_id"`
			DayOfWeek *int    `json:"day_of_week" binding:"required"`
			StartTime string  `json:"start_time" binding:"required"`
			EndTime   string  `json:"end_time" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if *req.DayOfWeek < 0 || *req.DayOfWeek > 6 || req.StartTime >= req.EndTime {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule window"})
			return
		}
		a := attendance.ScheduleAssignment{
			RoomID:    room.ID,
			SubjectID: req.SubjectID,
			DayOfWeek: *req.DayOfWeek,
			StartTime: req.StartTime,
			EndTime:   req.EndTime,
			Active:    true,
		}
		if err := repo.CreateAssignment(c.Request.Context(), &a); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
			return
		}
		c.JSON(http.StatusCreated, a)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forced shutdown", zap.Error(err))
	}

	logger.Info("server exited")
	return nil
}

// applyStoredSettings overlays pipeline tunables from the system_settings
// table onto the env-derived config. The table wins when a key is present.
func applyStoredSettings(ctx context.Context, repo *attendance.Repository, logger *zap.Logger, cfg *config.App) {
	if v, err := repo.SystemSetting(ctx, "late_threshold_minutes", ""); err == nil && v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LateThreshold = time.Duration(n) * time.Minute
		}
	}
	if v, err := repo.SystemSetting(ctx, "max_daily_scans", ""); err == nil && v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxDailyScans = n
		}
	}
	if v, err := repo.SystemSetting(ctx, "token_expiry_days", ""); err == nil && v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TokenExpiryDays = n
		}
	}
	logger.Info("pipeline settings loaded",
		zap.Duration("late_threshold", cfg.LateThreshold),
		zap.Int("max_daily_scans", cfg.MaxDailyScans),
		zap.Int("token_expiry_days", cfg.TokenExpiryDays))
}

// scanHTTPStatus maps pipeline outcomes onto HTTP codes. The body always
// carries the full classified result.
func scanHTTPStatus(res attendance.ScanResult) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.ErrorType {
	case attendance.ErrStudentNotFound, attendance.ErrRoomNotFound:
		return http.StatusNotFound
	case attendance.ErrDuplicateScan:
		return http.StatusConflict
	case attendance.ErrScanLimitExceeded:
		return http.StatusTooManyRequests
	case attendance.ErrDatabase, attendance.ErrSystem:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// securityHeaders sets conservative browser defaults on every response.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
