package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolveDatabase(t *testing.T) {
	cases := []struct {
		name       string
		db         DatabaseConfig
		wantDriver string
		wantURL    string
	}{
		{
			name:       "postgres 驱动",
			db:         DatabaseConfig{Driver: "postgres", User: "u", Password: "p", Host: "db", Port: 5432, Name: "metal", SSLMode: "disable"},
			wantDriver: "postgres",
			wantURL:    "postgres://u:p@db:5432/metal?sslmode=disable",
		},
		{
			name:       "sqlite 驱动",
			db:         DatabaseConfig{Driver: "sqlite", Path: "/tmp/metal.db"},
			wantDriver: "sqlite",
			wantURL:    "/tmp/metal.db",
		},
		{
			name:       "默认落到 sqlite",
			db:         DatabaseConfig{},
			wantDriver: "sqlite",
			wantURL:    "metal.db",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			driver, url := resolveDatabase(tc.db)
			assert.Equal(t, tc.wantDriver, driver)
			assert.Equal(t, tc.wantURL, url)
		})
	}
}

func TestBuildRedisURL(t *testing.T) {
	assert.Equal(t, "redis://localhost:6379/0",
		buildRedisURL(RedisConfig{Host: "localhost", Port: 6379}))
	assert.Equal(t, "redis://:secret@localhost:6379/1",
		buildRedisURL(RedisConfig{Host: "localhost", Port: 6379, DB: 1, Password: "secret"}))
}

func TestMaskPassword(t *testing.T) {
	assert.Equal(t, "postgres://u:***@db:5432/metal",
		maskPassword("postgres://u:secret@db:5432/metal"))
	// 无密码的 URL 保持不变
	assert.Equal(t, "redis://localhost:6379/0",
		maskPassword("redis://localhost:6379/0"))
}

func TestImageSyncValidate(t *testing.T) {
	s := &ImageSyncConfig{}
	s.validate()
	assert.Equal(t, time.Hour, s.Interval)
	assert.Equal(t, 4, s.Concurrency)
	assert.Equal(t, "metal-admin:image-sync", s.LockKey)
	assert.Equal(t, 5*time.Minute, s.HTTPTimeout)
}

func TestParseEnv(t *testing.T) {
	assert.Equal(t, EnvProduction, parseEnv("prod"))
	assert.Equal(t, EnvProduction, parseEnv("PRODUCTION"))
	assert.Equal(t, EnvTest, parseEnv("test"))
	assert.Equal(t, EnvDevelopment, parseEnv("anything"))
}
