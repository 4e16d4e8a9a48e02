// Package api exposes the supervisor over a small REST interface.
package api

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/measurement"
	"github.com/srg/sensorlink/internal/supervisor"
)

// Supervisor is the part of supervisor.Supervisor the API drives.
type Supervisor interface {
	Connect(deviceID string) error
	Disconnect() error
	IsConnected() bool
	Measurements() *measurement.Drained
	ReadBattery(ctx context.Context) (int, error)
	BatteryLevel() int
	Status() supervisor.Status
}

// API denotes a REST API for a sensor board supervisor
type API struct {
	sup    Supervisor
	router *fiber.App
	logger *logrus.Logger
}

type connectRequest struct {
	DeviceID string `json:"device_id"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type batteryResponse struct {
	Level     int  `json:"level"`
	Connected bool `json:"connected"`
}

// New instantiates a new API. Call Listen to serve it.
func New(sup Supervisor, logger *logrus.Logger) *API {
	if logger == nil {
		logger = logrus.New()
	}
	api := &API{
		sup:    sup,
		logger: logger,
		router: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			ErrorHandler:          errorHandler,
		}),
	}

	api.router.Post("/connect", api.handleConnect())
	api.router.Post("/disconnect", api.handleDisconnect())
	api.router.Get("/measurements", api.handleMeasurements())
	api.router.Get("/battery", api.handleBattery())
	api.router.Get("/status", api.handleStatus())

	return api
}

// App returns the underlying fiber application.
func (api *API) App() *fiber.App {
	return api.router
}

// Listen serves on endpoint until Shutdown.
func (api *API) Listen(endpoint string) error {
	api.logger.WithField("listen", endpoint).Info("REST bridge listening")
	return api.router.Listen(endpoint)
}

func (api *API) Shutdown() error {
	return api.router.Shutdown()
}

func (api *API) handleConnect() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		var req connectRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if err := api.sup.Connect(req.DeviceID); err != nil {
			return err
		}
		return c.Status(fiber.StatusAccepted).JSON(api.sup.Status())
	}
}

func (api *API) handleDisconnect() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := api.sup.Disconnect(); err != nil {
			// local state is reset regardless
			api.logger.WithError(err).Warn("Disconnect reported teardown errors")
		}
		return c.JSON(api.sup.Status())
	}
}

func (api *API) handleMeasurements() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(api.sup.Measurements())
	}
}

func (api *API) handleBattery() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if !api.sup.IsConnected() {
			return c.JSON(batteryResponse{Level: 0})
		}
		level, err := api.sup.ReadBattery(c.UserContext())
		if err != nil {
			api.logger.WithError(err).Debug("Battery read failed, using cached level")
			level = api.sup.BatteryLevel()
		}
		if level < 0 {
			level = 0
		}
		return c.JSON(batteryResponse{Level: level, Connected: true})
	}
}

func (api *API) handleStatus() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(api.sup.Status())
	}
}

// errorHandler maps supervisor errors onto HTTP statuses.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, device.ErrInvalidTarget):
		code = fiber.StatusBadRequest
	case errors.Is(err, device.ErrAlreadyConnecting):
		code = fiber.StatusConflict
	case errors.Is(err, device.ErrNotConnected):
		code = fiber.StatusServiceUnavailable
	case errors.Is(err, supervisor.ErrClosed):
		code = fiber.StatusServiceUnavailable
	}

	resp := errorResponse{Error: strings.TrimSpace(err.Error())}
	if fe == nil {
		resp.Reason = device.Reason(err)
	}
	return c.Status(code).JSON(resp)
}
