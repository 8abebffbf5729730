package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-gateway/internal/model"
)

type devices map[string]model.Device

func (d devices) GetDeviceByKey(_ context.Context, key string) (*model.Device, error) {
	dev, ok := d[key]
	if !ok {
		return nil, errors.New("record not found")
	}
	return &dev, nil
}

func TestAuthenticate(t *testing.T) {
	auth := Authenticator{Devices: devices{
		"a": {ID: 1, DeviceKey: "a", Secret: "pw", Status: model.DeviceOffline},
		"d": {ID: 2, DeviceKey: "d", Secret: "pw", Status: model.DeviceDisabled},
	}}
	ctx := context.Background()

	dev, err := auth.Authenticate(ctx, "a", "pw")
	require.NoError(t, err)
	assert.Equal(t, int64(1), dev.ID)

	for _, tc := range []struct{ key, secret string }{
		{"a", "wrong"},
		{"a", ""},
		{"", "pw"},
		{"missing", "pw"},
		{"d", "pw"},
	} {
		_, err := auth.Authenticate(ctx, tc.key, tc.secret)
		assert.ErrorIs(t, err, ErrAuthFailed, "key=%q secret=%q", tc.key, tc.secret)
	}
}
