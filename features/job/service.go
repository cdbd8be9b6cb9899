package job

import (
	"context"
	"log/slog"

	"tubeqa/internal/config"
)

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Service struct {
	repo Repository
	pub  EventPublisher
}

func NewService(repo Repository, pub EventPublisher) *Service {
	return &Service{repo: repo, pub: pub}
}

func (s *Service) Save(ctx context.Context, j *Job) error {
	return s.repo.Save(ctx, j)
}

func (s *Service) List(ctx context.Context) ([]Job, error) {
	return s.repo.List(ctx)
}

// Retry republishes a failed job and removes it from the failed set.
func (s *Service) Retry(ctx context.Context, id string) error {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	topic := job.Topic
	if topic == "" {
		topic = config.TopicIngestDocument
	}
	if err := s.pub.Publish(topic, job.Payload); err != nil {
		return err
	}
	slog.InfoContext(ctx, "job republished", "id", id, "topic", topic, "index_id", job.IndexID)

	return s.repo.Delete(ctx, id)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}
