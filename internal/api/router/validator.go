package router

import (
	"fmt"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"psicouja/backend/internal/service"
)

var registerOnce sync.Once

// RegisterValidators 在 gin 的校验引擎上注册自定义规则
//   - hhmm: "HH:MM" 24 小时制时刻
func RegisterValidators() error {
	var err error
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			err = fmt.Errorf("unexpected validator engine %T", binding.Validator.Engine())
			return
		}
		err = v.RegisterValidation("hhmm", validateHHMM)
	})
	return err
}

func validateHHMM(fl validator.FieldLevel) bool {
	_, ok := service.ParseClock(fl.Field().String())
	return ok
}
