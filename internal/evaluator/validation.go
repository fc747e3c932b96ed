package evaluator

import (
	stdErrors "errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	xerrors "Aegis-Evaluator/internal/errors"
)

var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	requestValidate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	_ = requestValidate.RegisterValidation("notblank", validateNotBlank)
}

func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// validate 校验请求字段，maxOutputBytes 为 0 时不限制长度。
func validate(req Request, maxOutputBytes int) error {
	if err := requestValidate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if stdErrors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return xerrors.New(xerrors.CodeValidation, validationMessage(fe.Field(), fe.Tag()),
				xerrors.WithMetadata("field", fe.Field()))
		}
		return xerrors.Wrap(xerrors.CodeValidation, err, "请求校验失败")
	}
	if maxOutputBytes > 0 && len(req.AgentOutput) > maxOutputBytes {
		return xerrors.New(xerrors.CodeValidation,
			fmt.Sprintf("agent_output 超过 %d 字节上限", maxOutputBytes),
			xerrors.WithMetadata("field", "agent_output"))
	}
	return nil
}

func validationMessage(field, tag string) string {
	switch tag {
	case "notblank":
		return fmt.Sprintf("%s 不能为空", field)
	default:
		return fmt.Sprintf("%s 校验失败: %s", field, tag)
	}
}
