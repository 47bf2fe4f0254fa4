package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMoneyScale(t *testing.T) {
	m := Money{Amount: 1999, Currency: "USD"}
	assert.Equal(t, Money{Amount: 200, Currency: "USD"}, m.Scale(0.1))
	assert.Equal(t, Money{Amount: 500, Currency: "USD"}, Money{Amount: 1000, Currency: "USD"}.Scale(0.5))
}

func TestMoneyMin(t *testing.T) {
	m := Money{Amount: 5000, Currency: "USD"}
	assert.Equal(t, int64(2500), m.Min(Money{Amount: 2500}).Amount)
	assert.Equal(t, int64(5000), m.Min(Money{}).Amount)
	assert.Equal(t, "USD", m.Min(Money{Amount: 100, Currency: "EUR"}).Currency)
}

func TestPointValidate(t *testing.T) {
	assert.NoError(t, Point{Lat: 52.52, Lng: 13.405}.Validate())
	assert.Error(t, Point{Lat: 91}.Validate())
	assert.Error(t, Point{Lng: -181}.Validate())
}
