package db

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/diewo77/payment-core/internal/models"
)

func TestSeedIdempotent(t *testing.T) {
	d, err := gorm.Open(sqlite.Open("file:seedtest?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.AutoMigrate(&models.Account{}, &models.PaymentMethod{}); err != nil {
		t.Fatal(err)
	}
	seed(d)
	seed(d)
	var accCount, pmCount int64
	d.Model(&models.Account{}).Count(&accCount)
	d.Model(&models.PaymentMethod{}).Count(&pmCount)
	if accCount != 1 {
		t.Fatalf("expected 1 seeded account got %d", accCount)
	}
	if pmCount != 1 {
		t.Fatalf("expected 1 seeded payment method got %d", pmCount)
	}
	var method models.PaymentMethod
	if err := d.Where("external_key = ?", "dev-method").First(&method).Error; err != nil {
		t.Fatalf("seeded method missing: %v", err)
	}
	if method.PluginName != "noop" || !method.IsDefault {
		t.Fatalf("unexpected seeded method: %+v", method)
	}
}

func TestNormalizeDSN(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@h:5432/db?sslmode=disable": "postgres://u:p@h:5432/db?sslmode=disable",
		"  host=h user=u dbname=db  ":              "host=h user=u dbname=db sslmode=disable",
		"host=h user=u dbname=db sslmode=require":  "host=h user=u dbname=db sslmode=require",
		"":                                         "",
	}
	for in, want := range cases {
		if got := NormalizeDSN(in); got != want {
			t.Errorf("NormalizeDSN(%q) = %q, want %q", in, got, want)
		}
	}
}
