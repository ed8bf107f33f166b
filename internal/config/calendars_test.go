package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const calendarYAML = `
calendars:
  - id: primary@group.calendar.google.com
    name: Básica
  - id: kinder@group.calendar.google.com
    name: Kinder
routing:
  - sender_contains: kinder
    calendars: [kinder@group.calendar.google.com]
  - sender_contains: direccion@colegio.cl
    calendars: [primary@group.calendar.google.com]
ignored_subjects:
  - Alerta de inasistencia
  - "Entrega de notas"
`

func loadTestCalendars(t *testing.T, yaml string) *Calendars {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calendars.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	c, err := LoadCalendars(path)
	require.NoError(t, err)
	return c
}

func TestLoadCalendars(t *testing.T) {
	c := loadTestCalendars(t, calendarYAML)

	assert.Equal(t, []string{
		"primary@group.calendar.google.com",
		"kinder@group.calendar.google.com",
	}, c.IDs())
}

func TestLoadCalendarsValidation(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		yaml string
	}{
		{"no calendars", "calendars: []\n"},
		{"routing names unknown calendar", `
calendars:
  - id: primary
routing:
  - sender_contains: kinder
    calendars: [missing]
`},
		{"invalid yaml", "calendars: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))
			_, err := LoadCalendars(path)
			assert.Error(t, err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadCalendars(filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestTargetsFor(t *testing.T) {
	c := loadTestCalendars(t, calendarYAML)

	tests := []struct {
		name   string
		sender string
		want   []string
	}{
		{"routed by address substring", "Tía Carla <tia.carla@kinder.colegio.cl>", []string{"kinder@group.calendar.google.com"}},
		{"routed by full address", "direccion@colegio.cl", []string{"primary@group.calendar.google.com"}},
		{"first matching rule wins", "kinder.direccion@colegio.cl", []string{"kinder@group.calendar.google.com"}},
		{"no rule means all calendars", "profesora@colegio.cl", c.IDs()},
		{"no address falls back to raw sender", "Equipo Kinder", []string{"kinder@group.calendar.google.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.TargetsFor(tt.sender))
		})
	}
}

func TestIgnoresSubject(t *testing.T) {
	c := loadTestCalendars(t, calendarYAML)

	assert.True(t, c.IgnoresSubject("ALERTA DE INASISTENCIA - Juan Pérez"))
	assert.True(t, c.IgnoresSubject("Re: entrega de notas primer semestre"))
	assert.False(t, c.IgnoresSubject("Boletín semanal"))
}
