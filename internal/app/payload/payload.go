// Package payload synthesizes the sample user records the producer sends.
package payload

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/go-playground/validator/v10"

	"sqs-relay/internal/pkg/queue"
)

// Validate is a shared validator instance
var Validate = validator.New(validator.WithRequiredStructEnabled())

type User struct {
	ID        string    `json:"id" validate:"required,uuid4"`
	Username  string    `json:"username" validate:"required,max=128"`
	Email     string    `json:"email" validate:"required,email"`
	CreatedAt time.Time `json:"createdAt" validate:"required"`
}

// Generator produces random users. It is safe for concurrent use.
type Generator struct {
	mu    sync.Mutex
	faker *gofakeit.Faker
	now   func() time.Time
}

// NewGenerator returns a Generator. A zero seed picks a random one.
func NewGenerator(seed uint64) *Generator {
	return &Generator{faker: gofakeit.New(seed), now: time.Now}
}

func (g *Generator) User() User {
	g.mu.Lock()
	defer g.mu.Unlock()
	return User{
		ID:        g.faker.UUID(),
		Username:  g.faker.Name(),
		Email:     g.faker.Email(),
		CreatedAt: g.now().UTC(),
	}
}

// Next returns the JSON encoding of a fresh user.
func (g *Generator) Next(ctx context.Context) ([]byte, error) {
	return Encode(g.User())
}

// Encode validates u and returns its JSON encoding. Invalid users yield a
// queue validation error and are never encoded.
func Encode(u User) ([]byte, error) {
	if err := Validate.Struct(u); err != nil {
		return nil, queue.NewValidationError("payload", "InvalidPayload", err)
	}
	return json.Marshal(u)
}
