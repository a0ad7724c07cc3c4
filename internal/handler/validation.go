package handler

import (
	"errors"
	"log"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/devildev/api/internal/pipeline"
	"github.com/devildev/api/internal/service"
	"github.com/devildev/api/pkg/response"
)

// NewValidator returns a validator with the custom tags used by request models
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("jobid", func(fl validator.FieldLevel) bool {
		return pipeline.ValidJobID(fl.Field().String())
	})
	return v
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		details := make(map[string]string)
		for _, e := range validationErrors {
			details[e.Field()] = e.Tag()
		}
		return details
	}
	return nil
}

// serviceError maps service and pipeline errors onto the error envelope
func serviceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return response.NotFound(c, "Resource not found")
	case errors.Is(err, service.ErrForbidden):
		return response.Forbidden(c, "Access denied")
	case errors.Is(err, service.ErrJobIDTaken):
		return response.Conflict(c, "Job ID already used for a different request")
	case errors.Is(err, pipeline.ErrJobExpired):
		return response.Conflict(c, "Job ID belongs to an expired job")
	case errors.Is(err, service.ErrSnapshotsDisabled):
		return response.Unavailable(c, "Snapshot storage is not configured")
	case errors.Is(err, pipeline.ErrInvalidJobID), errors.Is(err, pipeline.ErrUnknownKind):
		return response.ValidationError(c, err.Error(), nil)
	}
	log.Printf("%s %s: %v", c.Method(), c.Path(), err)
	return response.ServiceError(c, "Request could not be processed")
}
