package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracker(t *testing.T) {
	tr := NewTracker()
	phone := Device{UserID: "u1", DeviceID: "phone"}
	tab := Device{UserID: "u1", DeviceID: "tab"}

	assert.True(t, tr.Connect("p1", phone))
	assert.False(t, tr.Connect("p1", phone))
	assert.True(t, tr.Connect("p1", tab))
	assert.Equal(t, []Device{phone, tab}, tr.Online("p1"))
	assert.Empty(t, tr.Online("p2"))

	assert.False(t, tr.Disconnect("p1", phone))
	assert.True(t, tr.Disconnect("p1", phone))
	assert.False(t, tr.Disconnect("p1", phone))
	assert.Equal(t, []Device{tab}, tr.Online("p1"))

	assert.True(t, tr.Disconnect("p1", tab))
	assert.Empty(t, tr.props)
}
