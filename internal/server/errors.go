package server

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/Aidin1998/tickerex/common/errors"
	"github.com/Aidin1998/tickerex/internal/accounts"
	"github.com/Aidin1998/tickerex/internal/identity"
	"github.com/Aidin1998/tickerex/internal/settlement"
	"github.com/Aidin1998/tickerex/internal/trading"
	"github.com/Aidin1998/tickerex/internal/trading/engine"
	"github.com/Aidin1998/tickerex/internal/trading/model"
	"github.com/Aidin1998/tickerex/internal/trading/repository"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

func init() {
	// report body fields by their JSON names
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	}
}

// mapBindError turns request decoding failures into 400s
func mapBindError(err error, instance string) *errors.ProblemDetails {
	var fields validator.ValidationErrors
	if stderrors.As(err, &fields) {
		pd := errors.NewValidationError("request body failed validation", instance)
		for _, fe := range fields {
			pd.AddValidationError(fe.Field(), validationMessage(fe), fe.Tag())
		}
		return pd
	}

	var syntax *json.SyntaxError
	var typ *json.UnmarshalTypeError
	if stderrors.As(err, &syntax) || stderrors.As(err, &typ) || strings.HasPrefix(err.Error(), "error decoding string") {
		return errors.NewValidationError(fmt.Sprintf("malformed request body: %v", err), instance)
	}
	return nil
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}

// mapDomainError maps sentinel errors of the trading stack to problem types
func mapDomainError(err error, instance string) *errors.ProblemDetails {
	detail := err.Error()
	switch {
	case stderrors.Is(err, model.ErrInvalidSymbol):
		return errors.NewInvalidSymbolError(detail, instance)
	case stderrors.Is(err, model.ErrInvalidSide),
		stderrors.Is(err, model.ErrInvalidType),
		stderrors.Is(err, model.ErrInvalidQuantity),
		stderrors.Is(err, model.ErrInvalidPrice):
		return errors.NewInvalidOrderError(detail, instance)

	case stderrors.Is(err, identity.ErrUnauthorized), stderrors.Is(err, accounts.ErrUnauthorized):
		return errors.NewUnauthorizedError("invalid or expired credentials", instance)
	case stderrors.Is(err, accounts.ErrInsufficientFunds):
		return errors.NewInsufficientFundsError(detail, instance)
	case stderrors.Is(err, engine.ErrForbidden):
		return errors.NewForbiddenError(detail, instance)
	case stderrors.Is(err, repository.ErrNotFound):
		return errors.NewNotFoundError(detail, instance)

	case stderrors.Is(err, engine.ErrNotOpen),
		stderrors.Is(err, repository.ErrConflict),
		stderrors.Is(err, trading.ErrNoLiquidity),
		stderrors.Is(err, settlement.ErrNotRetryable):
		return errors.NewConflictError(detail, instance)

	case stderrors.Is(err, accounts.ErrUpstream):
		return errors.NewUpstreamError("accounts service unavailable", instance)
	}
	return nil
}
