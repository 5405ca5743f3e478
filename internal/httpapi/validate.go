package httpapi

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/fpang/tryon-studio/internal/generation"
	"github.com/fpang/tryon-studio/internal/imagedata"
)

// DefaultTryOnPrompt is used when a try-on request has no prompt.
const DefaultTryOnPrompt = "A person wearing clothing"

type tryOnRequest struct {
	ModelImageID      string `json:"modelImageId" validate:"omitempty,max=200"`
	ClothingImageID   string `json:"clothingImageId" validate:"omitempty,max=200"`
	ModelImageData    string `json:"modelImageData" validate:"required,imagedata"`
	ClothingImageData string `json:"clothingImageData" validate:"required,imagedata"`
	Prompt            string `json:"prompt" validate:"min=5,max=1000"`
}

type compositeRequest struct {
	FigureImageID      string `json:"figureImageId" validate:"omitempty,max=200"`
	SceneImageID       string `json:"sceneImageId" validate:"omitempty,max=200"`
	FigureImageData    string `json:"figureImageData" validate:"required,imagedata"`
	SceneImageData     string `json:"sceneImageData" validate:"required,imagedata"`
	Prompt             string `json:"prompt" validate:"required,min=10,max=1000"`
	SourceGenerationID string `json:"sourceGenerationId" validate:"omitempty,uuid"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// imagedata accepts an http(s) URL, or a base64 data URI or bare base64
	// payload holding a JPEG, PNG, GIF or WebP image.
	v.RegisterValidation("imagedata", func(fl validator.FieldLevel) bool {
		return imagedata.Validate(fl.Field().String()) == nil
	})
	return v
}

// fieldErrors converts validator output into client-facing field errors.
func fieldErrors(err error) []generation.FieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []generation.FieldError{{Field: "body", Message: err.Error()}}
	}
	out := make([]generation.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, generation.FieldError{Field: fe.Field(), Message: fieldMessage(fe)})
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "uuid":
		return "must be a UUID"
	case "imagedata":
		return "must be a base64 image or an http(s) URL"
	default:
		return "is invalid"
	}
}
