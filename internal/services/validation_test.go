package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/tirgus/backend/internal/models"
)

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid product draft", func(t *testing.T) {
		draft := models.ProductDraft{
			Name:     "Vintage bicycle",
			Category: "sports",
			Price:    45000,
			Stock:    1,
		}

		assert.NoError(t, vh.ValidateStruct(&draft))
	})

	t.Run("draft missing required fields", func(t *testing.T) {
		draft := models.ProductDraft{
			Name:  "V", // too short
			Price: -100,
			// Category missing
		}

		err := vh.ValidateStruct(&draft)
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 3) // Name, Category, Price
	})

	t.Run("invalid image url", func(t *testing.T) {
		draft := models.ProductDraft{
			Name:     "Vintage bicycle",
			Category: "sports",
			Price:    45000,
			ImageURL: "not-a-url",
		}

		err := vh.ValidateStruct(&draft)
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 1)
		assert.Equal(t, "ImageURL", validationErrors[0].Field())
		assert.Equal(t, "url", validationErrors[0].Tag())
	})

	t.Run("deposit request rejects zero amount", func(t *testing.T) {
		req := DepositRequest{Amount: 0}

		err := vh.ValidateStruct(&req)
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Equal(t, "Amount", validationErrors[0].Field())
	})
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("error response without validation errors", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Something went wrong", http.StatusInternalServerError, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Something went wrong", response.Error)
		assert.Nil(t, response.Details)
	})

	t.Run("error response with validation details", func(t *testing.T) {
		vh := NewValidationHelper()
		draft := models.ProductDraft{
			Name:     "V",
			Price:    -100,
			ImageURL: "not-a-url",
		}

		validationErr := vh.ValidateStruct(&draft)
		assert.Error(t, validationErr)

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, validationErr)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Validation failed", response.Error)
		assert.Contains(t, response.Details, "Name")
		assert.Contains(t, response.Details, "Category")
		assert.Contains(t, response.Details, "ImageURL")
	})

	t.Run("non-validation error yields no details", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Unauthorized access", http.StatusUnauthorized, assert.AnError)

		assert.Equal(t, http.StatusUnauthorized, w.Code)

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Unauthorized access", response.Error)
		assert.Nil(t, response.Details)
	})
}
