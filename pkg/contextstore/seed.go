package contextstore

import (
	"context"
	"fmt"
	"log/slog"
)

// seedChunk is one built-in knowledge base entry.
type seedChunk struct {
	content  string
	metadata map[string]string
}

// seedKnowledge describes the LMS domain so retrieval has a baseline even
// before any learned knowledge is written back.
var seedKnowledge = []seedChunk{
	{
		content:  "Totara LMS is a learning management system used to manage courses, enrollments, completions, and certifications for an organization's learners.",
		metadata: map[string]string{"type": "general", "category": "overview"},
	},
	{
		content:  "User profiles live in the users table with username, firstname, lastname, and email. Users are identified by username or email.",
		metadata: map[string]string{"type": "user_management", "category": "profiles"},
	},
	{
		content:  "Course enrollments link users to courses through the course_enrollments table, recording enrollment time and status such as active or suspended.",
		metadata: map[string]string{"type": "course_management", "category": "enrollment"},
	},
	{
		content:  "Course completions are stored in course_completions with the completion time and final grade for each user and course.",
		metadata: map[string]string{"type": "course_management", "category": "completion"},
	},
	{
		content:  "Learning plans group courses and goals for a learner's development pathway and carry a status and creation time.",
		metadata: map[string]string{"type": "learning_plans", "category": "pathways"},
	},
	{
		content:  "Certifications track compliance training with a status and completion time per user, stored in the certifications table.",
		metadata: map[string]string{"type": "certifications", "category": "compliance"},
	},
	{
		content:  "Reporting questions about enrollment and completion volumes aggregate over course_enrollments and course_completions grouped by course.",
		metadata: map[string]string{"type": "reporting", "category": "analytics"},
	},
	{
		content:  "Face-to-face sessions record scheduled in-person training in the sessions table with a session date and attendance status.",
		metadata: map[string]string{"type": "face_to_face", "category": "sessions"},
	},
}

// SeedKnowledgeBase loads the built-in knowledge chunks into a provider.
// Seeding is idempotent only at the provider level, so callers should seed
// once per fresh collection.
func SeedKnowledgeBase(ctx context.Context, provider Provider, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, chunk := range seedKnowledge {
		meta := map[string]string{"source": "system_init"}
		for k, v := range chunk.metadata {
			meta[k] = v
		}
		if _, err := provider.AddDocument(ctx, chunk.content, meta); err != nil {
			return fmt.Errorf("seeding knowledge base: %w", err)
		}
	}
	logger.Info("knowledge base seeded", "chunks", len(seedKnowledge), "provider", provider.Name())
	return nil
}
