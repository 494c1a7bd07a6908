package handlers

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/mattn/go-isatty"
)

// Color constants for terminal output
const (
	cBlue    = "\u001b[94m"
	cCyan    = "\u001b[96m"
	cGreen   = "\u001b[92m"
	cMagenta = "\u001b[95m"
	cRed     = "\u001b[91m"
	cWhite   = "\u001b[97m"
	cYellow  = "\u001b[93m"
	cReset   = "\u001b[0m"
)

// sampleEvery is how many polling requests are folded into one log line.
const sampleEvery = 10

// getStatusColor returns the appropriate color for HTTP status codes
func getStatusColor(status int, enableColors bool) string {
	if !enableColors {
		return ""
	}

	switch {
	case status >= 200 && status < 300:
		return cGreen
	case status >= 300 && status < 400:
		return cBlue
	case status >= 400 && status < 500:
		return cYellow
	default:
		return cRed
	}
}

// getMethodColor returns the appropriate color for HTTP methods
func getMethodColor(method string, enableColors bool) string {
	if !enableColors {
		return ""
	}

	switch method {
	case fiber.MethodGet:
		return cCyan
	case fiber.MethodPost:
		return cGreen
	case fiber.MethodPut:
		return cYellow
	case fiber.MethodDelete:
		return cRed
	case fiber.MethodPatch:
		return cMagenta
	case fiber.MethodHead:
		return cBlue
	case fiber.MethodOptions:
		return cWhite
	default:
		return cReset
	}
}

// SamplingLogger logs every request except GETs of the polled paths, which
// are logged once per sampleEvery calls.
func SamplingLogger(polled ...string) fiber.Handler {
	counters := make(map[string]uint64, len(polled))
	for _, p := range polled {
		counters[p] = 0
	}
	var counterMu sync.Mutex

	// Check if colors should be enabled
	enableColors := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("NO_COLOR") != "1" && os.Getenv("TERM") != "dumb"

	// Default logger for most endpoints
	defaultLogger := logger.New(logger.Config{
		Format: "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path} | ${error}\n",
	})

	return func(c *fiber.Ctx) error {
		path := c.Path()
		counterMu.Lock()
		count, sampled := counters[path]
		if sampled && c.Method() == fiber.MethodGet {
			count++
			counters[path] = count
			if count >= sampleEvery {
				counters[path] = 0
			}
		} else {
			sampled = false
		}
		counterMu.Unlock()

		if !sampled {
			return defaultLogger(c)
		}
		if count < sampleEvery {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		duration := time.Since(start)

		status := c.Response().StatusCode()
		method := c.Method()
		resetColor := ""
		if enableColors {
			resetColor = cReset
		}

		// Same layout as the default logger
		fmt.Printf("%s | %s%d%s | %13s | %s | %s%s%s | %s | - [sampled: %d calls]\n",
			time.Now().Format("15:04:05"),
			getStatusColor(status, enableColors),
			status,
			resetColor,
			duration,
			c.IP(),
			getMethodColor(method, enableColors),
			method,
			resetColor,
			path,
			count)
		return err
	}
}
