package bdd

import (
	"os"
	"testing"

	"github.com/cucumber/godog"
	"github.com/joho/godotenv"
)

func TestMain(m *testing.M) {
	// Load .env.test if present, else .env, so test values always override
	// any shell/CI env.
	if _, err := os.Stat(".env.test"); err == nil {
		_ = godotenv.Overload(".env.test")
	} else {
		_ = godotenv.Overload()
	}
	os.Exit(m.Run())
}

func TestBDDFeatures(t *testing.T) {
	opts := godog.Options{
		Format: "pretty",
		Paths:  []string{"features"},
		Strict: true,
	}

	suite := godog.TestSuite{
		Name: "dishcart",
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			world := NewShoppingWorld(t)
			world.Register(sc)
		},
		Options: &opts,
	}

	if suite.Run() != 0 {
		t.Fail()
	}
}
