package devbackend

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dishcart/dishcart/internal/api"
)

// job is one scripted fulfillment run. The server owns the record; handlers
// only read snapshots of it.
type job struct {
	id        string
	sessionID string

	mu        sync.Mutex
	status    string
	message   string
	platforms map[string]api.PlatformProgress
}

func (j *job) snapshot() api.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	platforms := make(map[string]api.PlatformProgress, len(j.platforms))
	for k, v := range j.platforms {
		platforms[k] = v
	}
	return api.JobStatus{
		JobID:     j.id,
		Status:    j.status,
		Message:   j.message,
		Platforms: platforms,
	}
}

func (j *job) setStatus(status, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = status
	j.message = message
}

func (j *job) setPlatform(platform string, progress api.PlatformProgress) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.platforms[platform] = progress
}

// runJob walks every platform through starting -> running -> completed,
// building a fixture cart from the session's ingredients, then marks the job
// terminal and announces completion on the stream. Step pacing comes from
// Options so tests finish quickly.
func (s *Server) runJob(j *job, ingredients []api.Ingredient, platforms []string) {
	j.setStatus(api.JobRunning, "agents running")

	for _, platform := range platforms {
		for _, status := range []string{"starting", "running"} {
			j.setPlatform(platform, api.PlatformProgress{Status: status})
			s.hub.broadcast(j.sessionID, api.Event{
				Type:     api.EventAgentUpdate,
				Platform: platform,
				Status:   status,
				Message:  fmt.Sprintf("agent %s on %s", status, platform),
			})
			time.Sleep(s.stepDelay)
		}

		cart := fixtureCart(platform, ingredients)
		s.setCart(j.sessionID, cart)
		j.setPlatform(platform, api.PlatformProgress{Status: "completed", ItemsFound: len(cart.Items)})
		s.hub.broadcast(j.sessionID, api.Event{
			Type:     api.EventAgentUpdate,
			Platform: platform,
			Status:   "completed",
			Message:  fmt.Sprintf("found %d items on %s", len(cart.Items), platform),
		})
	}

	j.setStatus(api.JobSuccess, "all agents completed")
	s.hub.broadcast(j.sessionID, api.Event{
		Type:    api.EventJobCompleted,
		Status:  api.JobSuccess,
		Message: "all carts ready",
	})
}

// fixtureCart derives a deterministic cart from the ingredient list so runs
// are reproducible.
func fixtureCart(platform string, ingredients []api.Ingredient) api.PlatformCart {
	cart := api.PlatformCart{Platform: platform}
	for i, ing := range ingredients {
		item := api.CartItem{
			Name:     titleCase(ing.Name),
			Quantity: 1,
			Price:    1.50 + float64(i)*0.75 + float64(len(platform)%3)*0.25,
			Size:     ing.Quantity,
		}
		cart.Items = append(cart.Items, item)
		cart.ItemCount += item.Quantity
		cart.Subtotal += item.Price * float64(item.Quantity)
	}
	return cart
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
