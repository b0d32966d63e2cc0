package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/tradegate/internal/audit"
	"github.com/ksred/tradegate/internal/auth"
	"github.com/ksred/tradegate/internal/breaker"
	"github.com/ksred/tradegate/internal/database"
	"github.com/ksred/tradegate/internal/exchange"
	"github.com/ksred/tradegate/internal/metrics"
	"github.com/ksred/tradegate/internal/pipeline"
	"github.com/ksred/tradegate/internal/risk"
	"github.com/ksred/tradegate/internal/signature"
	"github.com/ksred/tradegate/internal/stream"
	"github.com/ksred/tradegate/internal/types"
	"github.com/ksred/tradegate/pkg/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minOrders     = 15
	maxOrders     = 150
	numWorkers    = 5
	serverAddress = "http://localhost:8080"
)

var (
	symbols = []string{"BTC-USD", "ETH-USD", "SOL-USD", "AAPL", "MSFT"}
	sides   = []string{"BUY", "SELL"}
	venues  = []string{"primary", "secondary", "darkpool"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the execution API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	// Create HTTP client with timeout
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats: map[string]*routeStats{
			"auth":   {name: "Authentication"},
			"create": {name: "Place Order"},
			"get":    {name: "Get Order"},
			"cancel": {name: "Cancel Order"},
		},
	}

	// Get auth token
	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    auth.TestAPIKey,
		"api_secret": auth.TestAPISecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Data.Token, nil
}

// signRequest attaches the HMAC signature headers for a trade-critical
// request. Each request gets a fresh nonce.
func (sc *simulationClient) signRequest(req *http.Request, method, path string, body []byte) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	nonce := uuid.New().String()
	sig := signature.Sign(auth.TestSigningSecret, method, path, body, timestamp, nonce)

	req.Header.Set(middleware.HeaderSignature, sig)
	req.Header.Set(middleware.HeaderTimestamp, timestamp)
	req.Header.Set(middleware.HeaderNonce, nonce)
}

// placeOrder submits a new signed order to the API
// Returns the order ID on success
func (sc *simulationClient) placeOrder(spec *types.OrderSpec) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["create"].addDuration(time.Since(start))
	}()

	body, err := json.Marshal(spec)
	if err != nil {
		return "", err
	}

	path := "/api/v1/orders"
	req, err := http.NewRequest("POST", sc.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")
	sc.signRequest(req, "POST", path, body)

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats["create"].failures++
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("response", string(respBody)).Msg("Place order response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		sc.stats["create"].failures++
		return "", fmt.Errorf("place order failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	if result.Data.OrderID == "" {
		return "", fmt.Errorf("no order ID in response: %s", string(respBody))
	}

	return result.Data.OrderID, nil
}

// getOrder retrieves the current status of an order with its fills
func (sc *simulationClient) getOrder(orderID string) (*types.Order, error) {
	start := time.Now()
	defer func() {
		sc.stats["get"].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest(
		"GET",
		fmt.Sprintf("%s/api/v1/orders/%s", sc.baseURL, orderID),
		nil,
	)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats["get"].failures++
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("response", string(respBody)).Msg("Get order response")

	if resp.StatusCode != http.StatusOK {
		sc.stats["get"].failures++
		return nil, fmt.Errorf("get order failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			Order types.Order  `json:"order"`
			Fills []types.Fill `json:"fills"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return &result.Data.Order, nil
}

// cancelOrder submits a signed cancellation for an open order
func (sc *simulationClient) cancelOrder(orderID string) error {
	start := time.Now()
	defer func() {
		sc.stats["cancel"].addDuration(time.Since(start))
	}()

	path := fmt.Sprintf("/api/v1/orders/%s", orderID)
	req, err := http.NewRequest("DELETE", sc.baseURL+path, nil)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	sc.signRequest(req, "DELETE", path, nil)

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats["cancel"].failures++
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	log.Debug().Str("response", string(respBody)).Msg("Cancel order response")

	if resp.StatusCode != http.StatusOK {
		sc.stats["cancel"].failures++
		return fmt.Errorf("cancel order failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs the execution simulation
// It starts a local API server and simulates multiple concurrent trading clients
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	// Initialize simulation client
	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	// Generate random number of orders to process
	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	// Channel to collect order IDs
	ordersChan := make(chan string, targetOrders)
	var wg sync.WaitGroup

	// Start worker goroutines
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			placeOrdersHTTP(workerID, targetOrders/numWorkers, simClient, ordersChan)
		}(i)
	}

	// Wait for all orders to be placed
	wg.Wait()
	close(ordersChan)

	// Collect all order IDs
	var orderIDs []string
	for orderID := range ordersChan {
		orderIDs = append(orderIDs, orderID)
	}

	log.Info().Int("orders_placed", len(orderIDs)).Msg("All orders placed")

	// Collect statistics during processing
	stats := struct {
		TotalOrders     int
		FilledOrders    int
		PartialOrders   int
		OpenOrders      int
		CancelledOrders int
		TotalValue      float64
		FailedLookups   int
		StartTime       time.Time
		Symbols         map[string]int
		Sides           map[string]int
	}{
		StartTime: time.Now(),
		Symbols:   make(map[string]int),
		Sides:     make(map[string]int),
	}
	stats.TotalOrders = len(orderIDs)

	// Inspect results, cancelling a slice of the still-open orders
	for i, orderID := range orderIDs {
		order, err := simClient.getOrder(orderID)
		if err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("Failed to fetch order")
			stats.FailedLookups++
			continue
		}

		stats.Symbols[order.Symbol]++
		stats.Sides[order.Side]++
		stats.TotalValue += order.AvgFillPrice * order.FilledQty

		switch order.Status {
		case types.StatusFilled:
			stats.FilledOrders++
		case types.StatusPartiallyFilled:
			stats.PartialOrders++
			// Cancel every third partial fill to exercise the cancel path
			if i%3 == 0 {
				if err := simClient.cancelOrder(orderID); err != nil {
					log.Error().Err(err).Str("order_id", orderID).Msg("Failed to cancel order")
				} else {
					stats.CancelledOrders++
				}
			}
		case types.StatusOpen, types.StatusPending:
			stats.OpenOrders++
		}

		log.Info().
			Str("order_id", orderID).
			Str("status", order.Status).
			Float64("filled_qty", order.FilledQty).
			Float64("avg_price", order.AvgFillPrice).
			Msg("Order inspected")
	}

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("EXECUTION SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Order Statistics
------------------
Total Orders:     %d
Filled:           %d
Partially Filled: %d
Open:             %d
Cancelled:        %d
Failed Lookups:   %d
Total Value:      $%.2f
Duration:         %v

Symbol Distribution
--------------------
`, stats.TotalOrders, stats.FilledOrders, stats.PartialOrders, stats.OpenOrders,
		stats.CancelledOrders, stats.FailedLookups,
		stats.TotalValue, duration.Round(time.Millisecond))

	// Print symbol distribution with simple ASCII bar chart
	maxSymbolCount := 0
	for _, count := range stats.Symbols {
		if count > maxSymbolCount {
			maxSymbolCount = count
		}
	}

	for symbol, count := range stats.Symbols {
		barLength := int(float64(count) / float64(maxSymbolCount) * 20)
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-8s: %s (%d)\n", symbol, bar, count)
	}

	fmt.Println("\nSide Distribution")
	fmt.Println("------------------")
	for side, count := range stats.Sides {
		barLength := int(float64(count) / float64(stats.TotalOrders) * 20)
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-4s: %s (%d)\n", side, bar, count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	fillRate := float64(stats.FilledOrders+stats.PartialOrders) / float64(stats.TotalOrders) * 100
	log.Info().
		Float64("fill_rate", fillRate).
		Int("total_orders", stats.TotalOrders).
		Float64("total_value", stats.TotalValue).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// placeOrdersHTTP generates and submits random signed orders to the API
// Runs as a worker goroutine, sending created order IDs to ordersChan
func placeOrdersHTTP(workerID, numOrders int, simClient *simulationClient, ordersChan chan<- string) {
	for i := 0; i < numOrders; i++ {
		spec := &types.OrderSpec{
			ClientOrderID: uuid.New().String(),
			Symbol:        symbols[rand.Intn(len(symbols))],
			Side:          sides[rand.Intn(len(sides))],
			OrderType:     types.OrderTypeMarket,
			Quantity:      float64(rand.Intn(100) + 1),
			Venue:         venues[rand.Intn(len(venues))],
		}

		orderID, err := simClient.placeOrder(spec)
		if err != nil {
			log.Error().Err(err).
				Str("worker_id", fmt.Sprintf("%d", workerID)).
				Str("symbol", spec.Symbol).
				Msg("Failed to place order")
			continue
		}

		ordersChan <- orderID
		log.Info().
			Str("worker_id", fmt.Sprintf("%d", workerID)).
			Str("order_id", orderID).
			Str("symbol", spec.Symbol).
			Str("side", spec.Side).
			Str("venue", spec.Venue).
			Float64("quantity", spec.Quantity).
			Msg("Order placed")

		// Random sleep between orders
		time.Sleep(time.Duration(rand.Intn(500)) * time.Millisecond)
	}
}

// startServer initializes and starts the execution API server
// Sets up all required services, handlers and routes
func startServer() error {
	db, err := database.NewTestDatabase()
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	ctx := context.Background()

	authService := auth.NewService("tradegate-secret-key")
	if err := authService.RegisterPrincipal(auth.TestAPIKey, auth.TestAPISecret, auth.TestSigningSecret); err != nil {
		return err
	}

	nonces := signature.NewNonceStore(db, signature.DefaultWindow, 10*time.Minute)
	nonces.Start(ctx)
	verifier := signature.NewVerifier(nonces, signature.DefaultWindow)

	auditor := audit.NewWriter(db)
	hub := stream.NewHub()
	auditor.AddSink(hub.PublishEvent)
	go hub.Run(ctx)

	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	tickers := breaker.NewTickerCache()
	tracker := metrics.NewTracker()

	venueRegistry := exchange.NewRegistry()
	for _, venue := range exchange.DefaultVenues() {
		if _, err := venueRegistry.Register(ctx, venue); err != nil {
			return err
		}
		breakers.RegisterFallback(breaker.Key(venue.Name(), "market_data"), tickers.Fallback)
	}

	riskEngine := risk.NewEngine(db, auditor, breakers)
	accounts := pipeline.AccountFunc(func(ctx context.Context, clientID string) (types.AccountState, error) {
		return types.AccountState{
			ClientID:       clientID,
			PortfolioValue: 10_000_000,
			AvailableFunds: 2_000_000,
			Leverage:       1.0,
		}, nil
	})
	pipe := pipeline.NewPipeline(db, riskEngine, venueRegistry, breakers, tickers, tracker, auditor, accounts)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	authHandlers := auth.NewGinHandlers(authService)
	pipeHandlers := pipeline.NewGinHandlers(pipe, auditor)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/token", authHandlers.GenerateTokenHandler())

		signed := v1.Group("")
		signed.Use(middleware.JWTAuth(authService), middleware.Signature(authService, verifier, auditor))
		{
			signed.POST("/orders", pipeHandlers.PlaceOrderHandler())
			signed.DELETE("/orders/:order_id", pipeHandlers.CancelOrderHandler())
		}

		reads := v1.Group("")
		reads.Use(middleware.JWTAuth(authService))
		{
			reads.GET("/orders/:order_id", pipeHandlers.GetOrderHandler())
		}
	}

	// Start the server
	return router.Run(":8080")
}
