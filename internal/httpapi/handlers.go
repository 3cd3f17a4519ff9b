// Package httpapi serves the four /aquaserver/* JSON endpoints described in
// spec §4.8/§6: next-test dispatch, test-result ingestion, status, and the
// live report.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/aqua-ct/server/internal/coordinator"
	"github.com/aqua-ct/server/internal/logger"
	"github.com/aqua-ct/server/internal/middleware"
)

// Handler wraps the coordinator state the four endpoints read and mutate.
type Handler struct {
	state *coordinator.State
}

// NewHandler builds a Handler bound to state.
func NewHandler(state *coordinator.State) *Handler {
	return &Handler{state: state}
}

// Register mounts the four /aquaserver/* routes plus the CORS/JSON headers
// every one of them carries.
func (h *Handler) Register(app *fiber.App) {
	group := app.Group("/aquaserver", corsJSON)
	group.Get("/next-test", h.NextTest)
	group.Get("/test-result", h.TestResult)
	group.Get("/status", h.Status)
	group.Get("/report", h.Report)
}

// corsJSON applies the headers every /aquaserver/* response carries, per §4.8.
func corsJSON(c *fiber.Ctx) error {
	c.Set("Content-Type", "application/json")
	c.Set("Access-Control-Allow-Origin", "*")
	return c.Next()
}

// nextTestResponse is the /aquaserver/next-test response shape of §6.
type nextTestResponse struct {
	SnapshotName *string  `json:"snapshotName"`
	Test         []string `json:"test"`
	URL          string   `json:"url"`
}

// NextTest implements GET /aquaserver/next-test?old={true|false}.
func (h *Handler) NextTest(c *fiber.Ctx) error {
	es5Only := c.Query("old") == "true"

	delivered := h.state.DeliverBrowserTest(es5Only)
	if delivered == nil {
		c.Locals(middleware.DispatchMissKey, true)
		return c.JSON(nextTestResponse{SnapshotName: nil, Test: nil, URL: "no-test.html"})
	}
	c.Locals(middleware.DispatchSnapshotKey, delivered.SnapshotName)
	c.Locals(middleware.DispatchTestKey, strings.Join(delivered.Names, "."))

	baseURL := "../../ct-snapshots/" + fmt.Sprintf("%d", delivered.SnapshotTimestamp)
	if delivered.UseRootDir {
		baseURL = "../.."
	}

	testURL := baseURL + "/" + delivered.URL
	q := "?url=" + url.QueryEscape(testURL)
	if delivered.Type == "sim-test" && delivered.QueryParameters != "" {
		q += "&simQueryParameters=" + url.QueryEscape(delivered.QueryParameters)
	}
	if delivered.TestQueryParameters != "" {
		q += "&" + delivered.TestQueryParameters
	}

	name := delivered.SnapshotName
	return c.JSON(nextTestResponse{
		SnapshotName: &name,
		Test:         delivered.Names,
		URL:          delivered.URLPrefix + "-test.html" + q,
	})
}

// resultPayload is the decoded shape of the result= query parameter.
type resultPayload struct {
	SnapshotName string   `json:"snapshotName"`
	Test         []string `json:"test"`
	Passed       bool     `json:"passed"`
	Message      string   `json:"message"`
	ID           string   `json:"id"`
	Timestamp    int64    `json:"timestamp"`
}

// TestResult implements GET /aquaserver/test-result?result=<urlencoded JSON>.
// Per §7, malformed/unknown input is logged, never surfaced as an HTTP error.
func (h *Handler) TestResult(c *fiber.Ctx) error {
	raw := c.Query("result")
	log := middleware.GetLogger(c)

	var payload resultPayload
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			log.Info("malformed test-result payload", logger.Error(err))
			return c.JSON(fiber.Map{"received": "true"})
		}
	}

	h.state.RecordResult(coordinator.ReportedResult{
		SnapshotName: payload.SnapshotName,
		Test:         payload.Test,
		Passed:       payload.Passed,
		Message:      payload.Message,
		ID:           fmt.Sprint(payload.ID),
		Timestamp:    payload.Timestamp,
	}, time.Now().UnixMilli())

	c.Locals(middleware.ResultSnapshotKey, payload.SnapshotName)
	c.Locals(middleware.ResultPassedKey, payload.Passed)

	return c.JSON(fiber.Map{"received": "true"})
}

// statusResponse is the /aquaserver/status response shape of §6.
type statusResponse struct {
	Status           string `json:"status"`
	StartupTimestamp int64  `json:"startupTimestamp"`
	LastErrorString  string `json:"lastErrorString"`
}

// Status implements GET /aquaserver/status.
func (h *Handler) Status(c *fiber.Ctx) error {
	status, startup, lastErr := h.state.Status()
	return c.JSON(statusResponse{Status: status, StartupTimestamp: startup, LastErrorString: lastErr})
}

// Report implements GET /aquaserver/report: the current reportJSON string,
// verbatim.
func (h *Handler) Report(c *fiber.Ctx) error {
	return c.SendString(h.state.ReportJSON())
}
