package crawl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scrapeforge/crawlorch/internal/jobs"
)

func TestExtractLinksResolvesAndDedupes(t *testing.T) {
	extractor := NewGoqueryExtractor(nil, nil)
	html := `
		<html><body>
			<a href="/page?b=2&a=1">one</a>
			<a href="https://a.example/page?a=1&b=2">dup of one</a>
			<a href="https://other.example/x">two</a>
			<a href="mailto:someone@example.com">skip</a>
			<a href="#frag">skip too</a>
		</body></html>
	`
	links, err := extractor.ExtractLinks("https://a.example/", html)
	require.NoError(t, err)
	require.Len(t, links, 2)
}

func TestExtractLinksRespectsDenyDomains(t *testing.T) {
	extractor := NewGoqueryExtractor(nil, []string{"blocked.example"})
	html := `<a href="https://blocked.example/x">no</a><a href="https://ok.example/y">yes</a>`
	links, err := extractor.ExtractLinks("https://a.example/", html)
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.Contains(t, links[0], "ok.example")
}

// fakeQueue embeds the jobs.Queue interface (nil) and overrides only the
// methods these tests exercise.
type fakeQueue struct {
	jobs.Queue
	added []jobs.Payload
}

func (q *fakeQueue) AddJob(ctx context.Context, name string, data jobs.Payload, opts jobs.Options) (string, error) {
	q.added = append(q.added, data)
	return opts.JobID, nil
}

// fakeStore embeds jobs.Store (nil) and overrides only what the
// coordinator tests below exercise.
type fakeStore struct {
	jobs.Store
	crawls map[string]jobs.Crawl
	locked map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{crawls: map[string]jobs.Crawl{}, locked: map[string]bool{}}
}

func (s *fakeStore) CreateJob(ctx context.Context, job jobs.Job) error {
	return nil
}

func (s *fakeStore) SaveCrawl(ctx context.Context, c jobs.Crawl) error {
	c.Status = jobs.CrawlStatusCreated
	s.crawls[c.ID] = c
	return nil
}

func (s *fakeStore) GetCrawl(ctx context.Context, crawlID string) (jobs.Crawl, error) {
	return s.crawls[crawlID], nil
}

func (s *fakeStore) LockURL(ctx context.Context, url, crawlID string) (bool, error) {
	key := crawlID + "|" + url
	if s.locked[key] {
		return false, nil
	}
	s.locked[key] = true
	return true, nil
}

func (s *fakeStore) AddCrawlJob(ctx context.Context, crawlID, jobID string) error {
	c := s.crawls[crawlID]
	c.URLs = append(c.URLs, jobID)
	c.TotalURLs++
	s.crawls[crawlID] = c
	return nil
}

func (s *fakeStore) AddCrawlJobDone(ctx context.Context, crawlID, jobID string, success bool) error {
	c := s.crawls[crawlID]
	if success {
		c.CompletedURLs++
	} else {
		c.FailedURLs++
	}
	s.crawls[crawlID] = c
	return nil
}

func (s *fakeStore) FinishCrawl(ctx context.Context, crawlID string) error {
	return nil
}

func TestSeedURLSkipsAlreadyLockedURL(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	queue := &fakeQueue{}
	coordinator := New(store, queue, nil, nil, nil)

	opts := jobs.CrawlerOptions{}
	crawlID, err := coordinator.StartCrawl(ctx, "https://a.example/", opts, jobs.PageOptions{}, "t1", "free", "")
	require.NoError(t, err)

	jobID1, err := coordinator.SeedURL(ctx, crawlID, "https://a.example/page", opts, 0, "t1", "free", 10, false)
	require.NoError(t, err)
	require.NotEmpty(t, jobID1)

	jobID2, err := coordinator.SeedURL(ctx, crawlID, "https://a.example/page", opts, 0, "t1", "free", 10, false)
	require.NoError(t, err)
	require.Empty(t, jobID2)

	require.Len(t, queue.added, 1)
}

func TestSeedURLRespectsMaxPages(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	queue := &fakeQueue{}
	coordinator := New(store, queue, nil, nil, nil)

	opts := jobs.CrawlerOptions{MaxPages: 1}
	crawlID, err := coordinator.StartCrawl(ctx, "https://a.example/", opts, jobs.PageOptions{}, "t1", "free", "")
	require.NoError(t, err)

	jobID1, err := coordinator.SeedURL(ctx, crawlID, "https://a.example/one", opts, 0, "t1", "free", 10, false)
	require.NoError(t, err)
	require.NotEmpty(t, jobID1)

	jobID2, err := coordinator.SeedURL(ctx, crawlID, "https://a.example/two", opts, 0, "t1", "free", 10, false)
	require.NoError(t, err)
	require.Empty(t, jobID2)

	require.Len(t, queue.added, 1)
}

func TestSeedURLRespectsPerDomainCaps(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	queue := &fakeQueue{}
	coordinator := New(store, queue, nil, nil, nil)

	opts := jobs.CrawlerOptions{PerDomainCaps: map[string]int{"a.example": 1}}
	crawlID, err := coordinator.StartCrawl(ctx, "https://a.example/", opts, jobs.PageOptions{}, "t1", "free", "")
	require.NoError(t, err)

	jobID1, err := coordinator.SeedURL(ctx, crawlID, "https://a.example/one", opts, 0, "t1", "free", 10, false)
	require.NoError(t, err)
	require.NotEmpty(t, jobID1)

	jobID2, err := coordinator.SeedURL(ctx, crawlID, "https://a.example/two", opts, 0, "t1", "free", 10, false)
	require.NoError(t, err)
	require.Empty(t, jobID2)
}

func TestFanOutLinksStopsAtMaxDepth(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	queue := &fakeQueue{}
	coordinator := New(store, queue, nil, nil, nil)

	opts := jobs.CrawlerOptions{MaxDepth: 1}
	crawlID, err := coordinator.StartCrawl(ctx, "https://a.example/", opts, jobs.PageOptions{}, "t1", "free", "")
	require.NoError(t, err)

	rootJobID, err := coordinator.SeedURL(ctx, crawlID, "https://a.example/", opts, 0, "t1", "free", 10, false)
	require.NoError(t, err)
	require.NotEmpty(t, rootJobID)
	queue.added = nil

	html := `<a href="https://a.example/child">child</a>`
	// depth 0 -> children at depth 1, within MaxDepth 1.
	require.NoError(t, coordinator.FanOutLinks(ctx, crawlID, rootJobID, "https://a.example/", html, true, 0, "t1", "free", 10))
	require.Len(t, queue.added, 1)

	queue.added = nil
	childJobID := "child-job"
	// depth 1 -> children at depth 2, beyond MaxDepth 1: no further fan-out.
	require.NoError(t, coordinator.FanOutLinks(ctx, crawlID, childJobID, "https://a.example/child", html, true, 1, "t1", "free", 10))
	require.Empty(t, queue.added)
}
