// Package validate provides a shared struct validator instance.
package validate

import (
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	once     sync.Once
	instance *validator.Validate
)

// Validate returns the shared validator instance.
func Validate() *validator.Validate {
	once.Do(func() {
		instance = validator.New()
	})
	return instance
}
