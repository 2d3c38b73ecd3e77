package netusage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeter_AccumulatesAndResets(t *testing.T) {
	t.Parallel()

	m := NewMeter()
	m.AddUpload(100)
	m.AddUpload(50)
	m.AddDownload(7)

	usage := m.Snapshot()
	assert.Equal(t, int64(150), usage.UploadBytes)
	assert.Equal(t, int64(7), usage.DownloadBytes)

	m.Reset()

	usage = m.Snapshot()
	assert.Zero(t, usage.UploadBytes)
	assert.Zero(t, usage.DownloadBytes)
}

func TestMeter_IgnoresNegative(t *testing.T) {
	t.Parallel()

	m := NewMeter()
	m.AddUpload(-10)
	m.AddDownload(-1)

	usage := m.Snapshot()
	assert.Zero(t, usage.UploadBytes)
	assert.Zero(t, usage.DownloadBytes)
}

func TestMeter_ConcurrentAdds(t *testing.T) {
	t.Parallel()

	m := NewMeter()

	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for j := 0; j < 100; j++ {
				m.AddUpload(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int64(1000), m.Snapshot().UploadBytes)
}
