package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crestwell/leadpipe/internal/domain"
	"github.com/crestwell/leadpipe/internal/extract"
	"github.com/crestwell/leadpipe/internal/permute"
	"github.com/crestwell/leadpipe/internal/queue"
	"github.com/crestwell/leadpipe/internal/ratelimit"
	"github.com/crestwell/leadpipe/internal/resolve"
	"github.com/crestwell/leadpipe/internal/store"
	"github.com/crestwell/leadpipe/internal/verify"
)

// HandleAutodiscovery crawls a domain's seed pages, extracts people and
// published addresses, and chains the next stage.
func (pc *PipelineContext) HandleAutodiscovery(ctx context.Context, job *domain.Job) error {
	var t domainTask
	if err := json.Unmarshal(job.Payload, &t); err != nil {
		return domain.NewError(domain.KindValidation, "bad autodiscovery payload", err)
	}
	run, stop, err := pc.runForTask(ctx, t.RunID)
	if err != nil || stop {
		return err
	}

	extractor := pc.ExtractorFor(t.Domain)
	emailsFound := 0

	type frontierItem struct {
		url   string
		depth int
	}
	var frontier []frontierItem
	for _, p := range extract.OrderSeedPaths(pc.Cfg.Crawl.SeedPaths) {
		frontier = append(frontier, frontierItem{url: "https://" + t.Domain + p, depth: 0})
	}

	visited := map[string]struct{}{}
	fetched := 0
	for len(frontier) > 0 && fetched < pc.Cfg.Crawl.MaxPagesPerDomain {
		item := frontier[0]
		frontier = frontier[1:]
		if _, dup := visited[item.url]; dup {
			continue
		}
		visited[item.url] = struct{}{}

		res, err := pc.Fetcher.Fetch(ctx, item.url)
		if err != nil {
			// Transport-level trouble on one page; the rest of the domain
			// may still answer.
			pc.Log.Debug("page fetch failed", "url", item.url, "error", err)
			continue
		}
		if !res.OK() {
			pc.Log.Debug("page skipped", "url", item.url, "reason", res.Reason)
			continue
		}
		fetched++

		if err := pc.Store.AddSource(ctx, &domain.Source{
			TenantID:  pc.TenantID,
			CompanyID: t.CompanyID,
			URL:       res.URL,
			HTML:      string(res.Body),
			FetchedAt: pc.Now(),
		}); err != nil {
			return err
		}

		if extract.ShouldExtract(res.URL) {
			n, err := pc.ingestExtraction(ctx, t.CompanyID, extractor.Extract(res.URL, res.Body))
			if err != nil {
				return err
			}
			emailsFound += n
		}

		if item.depth < pc.Cfg.Crawl.MaxDepth {
			for _, link := range extract.SameHostLinks(res.URL, res.Body) {
				if _, dup := visited[link]; !dup && extract.ShouldExtract(link) {
					frontier = append(frontier, frontierItem{url: link, depth: item.depth + 1})
				}
			}
		}
	}

	if err := pc.Store.SetOfficialDomain(ctx, t.CompanyID, t.Domain, "supplied", 80); err != nil {
		return err
	}
	if emailsFound > 0 {
		if err := pc.Store.BumpRunProgress(ctx, t.RunID, domain.RunProgress{EmailsFound: emailsFound}); err != nil {
			return err
		}
	}
	pc.Log.Info("autodiscovery done", "run_id", t.RunID, "domain", t.Domain,
		"pages", fetched, "emails_found", emailsFound)

	return pc.enqueueNextStage(ctx, run.Options.Mode, taskAutodiscovery, t, job.ID)
}

// ingestExtraction persists one page's extraction and returns how many
// addresses were newly recorded.
func (pc *PipelineContext) ingestExtraction(ctx context.Context, companyID int64, ex extract.Extraction) (int, error) {
	personIDs := map[string]int64{}
	for _, p := range ex.People {
		info := extract.NormalizeTitle(p.Title)
		id, err := pc.Store.UpsertPerson(ctx, &domain.Person{
			TenantID:   pc.TenantID,
			CompanyID:  companyID,
			First:      p.First,
			Last:       p.Last,
			Full:       p.Full,
			Title:      p.Title,
			TitleNorm:  info.Norm,
			RoleFamily: info.RoleFamily,
			Seniority:  info.Seniority,
			SourceURL:  p.SourceURL,
			ICPScore:   info.ICPScore,
		})
		if err != nil {
			return 0, err
		}
		personIDs[strings.ToLower(p.Full)] = id
	}

	newEmails := 0
	for _, e := range ex.Emails {
		email := domain.Email{
			TenantID:    pc.TenantID,
			CompanyID:   companyID,
			Email:       e.Email,
			IsPublished: true,
			SourceURL:   e.SourceURL,
		}
		// Link to a person when the localpart obviously belongs to one.
		localpart := strings.SplitN(e.Email, "@", 2)[0]
		for full, id := range personIDs {
			parts := strings.Fields(full)
			if len(parts) >= 2 {
				if _, ok := permute.Match(localpart, parts[0], parts[len(parts)-1]); ok {
					pid := id
					email.PersonID = &pid
					break
				}
			}
		}
		_, inserted, err := pc.Store.UpsertEmail(ctx, &email)
		if err != nil {
			return 0, err
		}
		if inserted {
			newEmails++
		}
	}
	return newEmails, nil
}

// HandleGenerate infers the domain's addressing pattern and generates
// ranked permutations for people without a published address.
func (pc *PipelineContext) HandleGenerate(ctx context.Context, job *domain.Job) error {
	var t domainTask
	if err := json.Unmarshal(job.Payload, &t); err != nil {
		return domain.NewError(domain.KindValidation, "bad generate payload", err)
	}
	run, stop, err := pc.runForTask(ctx, t.RunID)
	if err != nil || stop {
		return err
	}
	if t.CompanyID == 0 {
		company, err := pc.Store.GetCompanyByDomain(ctx, pc.TenantID, t.Domain)
		if err != nil {
			return err
		}
		t.CompanyID = company.ID
	}

	published, err := pc.Store.PublishedExamplesForDomain(ctx, pc.TenantID, t.Domain)
	if err != nil {
		return err
	}
	examples := make([]permute.Example, 0, len(published))
	for _, ex := range published {
		if permute.IsRoleAlias(ex.Localpart) {
			continue
		}
		examples = append(examples, permute.Example{
			Localpart: ex.Localpart, First: ex.First, Last: ex.Last,
		})
	}
	inferred, _ := permute.InferPattern(examples)

	people, err := pc.Store.PeopleForCompany(ctx, pc.TenantID, t.CompanyID)
	if err != nil {
		return err
	}
	emails, err := pc.Store.EmailsForCompany(ctx, pc.TenantID, t.CompanyID)
	if err != nil {
		return err
	}
	hasPublished := map[int64]bool{}
	for _, e := range emails {
		if e.IsPublished && e.PersonID != nil {
			hasPublished[*e.PersonID] = true
		}
	}

	generated := 0
	for _, p := range people {
		if hasPublished[p.ID] {
			continue
		}
		for _, cand := range permute.Generate(p.First, p.Last, t.Domain, inferred) {
			pid := p.ID
			_, inserted, err := pc.Store.UpsertEmail(ctx, &domain.Email{
				TenantID:  pc.TenantID,
				CompanyID: t.CompanyID,
				PersonID:  &pid,
				Email:     cand.Email,
				SourceURL: p.SourceURL,
			})
			if err != nil {
				return err
			}
			if inserted {
				generated++
			}
		}
	}

	if generated > 0 {
		if err := pc.Store.BumpRunProgress(ctx, t.RunID, domain.RunProgress{EmailsFound: generated}); err != nil {
			return err
		}
	}
	pc.Log.Info("generation done", "run_id", t.RunID, "domain", t.Domain,
		"pattern", inferred, "generated", generated)

	return pc.enqueueNextStage(ctx, run.Options.Mode, taskGenerate, t, job.ID)
}

// HandleVerifyDomain resolves the domain, settles its catch-all status,
// and fans out one probe job per pending address plus a barrier job
// that completes the domain once every probe has finished.
func (pc *PipelineContext) HandleVerifyDomain(ctx context.Context, job *domain.Job) error {
	var t domainTask
	if err := json.Unmarshal(job.Payload, &t); err != nil {
		return domain.NewError(domain.KindValidation, "bad verify_domain payload", err)
	}
	_, stop, err := pc.runForTask(ctx, t.RunID)
	if err != nil || stop {
		return err
	}
	if t.CompanyID == 0 {
		company, err := pc.Store.GetCompanyByDomain(ctx, pc.TenantID, t.Domain)
		if err != nil {
			return err
		}
		t.CompanyID = company.ID
	}

	mx, err := pc.Resolver.Resolve(ctx, t.Domain)
	if err != nil {
		return err
	}

	res := &domain.DomainResolution{
		TenantID:     pc.TenantID,
		CompanyID:    t.CompanyID,
		ChosenDomain: mx.Domain,
		Method:       "mx_lookup",
		Confidence:   100,
		MXHosts:      mx.Hosts,
		LowestMX:     mx.Lowest,
	}

	if !mx.NoMX && !mx.Freemail && pc.Preflight.HostAllowed() == nil {
		hint := pc.Behavior.Profile(ctx, mx.Lowest)
		check, err := pc.Detector.Detect(ctx, mx, hint)
		if err != nil {
			return err
		}
		if !check.Cached {
			now := check.CheckedAt
			res.CatchallStatus = check.Status
			res.CatchallCheckedAt = &now
			res.CatchallLocalpart = check.Localpart
			res.CatchallSMTPCode = check.SMTPCode
			res.MXBehavior = behaviorLabel(hint)
		}
	}
	if mx.NoMX {
		res.CatchallStatus = domain.CatchallNoMX
		now := pc.Now()
		res.CatchallCheckedAt = &now
	}
	if res.CatchallStatus != "" || len(res.MXHosts) > 0 {
		if _, err := pc.Store.AppendResolution(ctx, res); err != nil {
			return err
		}
	}

	pending, err := pc.Store.EmailsPendingVerification(ctx, pc.TenantID, t.CompanyID, pc.Cfg.Verify.ResultTTLDays)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return pc.enqueueDomainDone(ctx, t, []uuid.UUID{job.ID})
	}

	probeIDs := make([]uuid.UUID, 0, len(pending))
	for _, e := range pending {
		id, err := pc.Queue.Enqueue(ctx, queue.EnqueueParams{
			Queue: domain.QueueVerify,
			RunID: t.RunID,
			Payload: probeTask{
				Task: taskProbeEmail, RunID: t.RunID, Domain: t.Domain,
				CompanyID: t.CompanyID, EmailID: e.ID,
			},
			MaxAttempts: pc.Cfg.Verify.MaxAttempts,
		})
		if err != nil {
			return err
		}
		probeIDs = append(probeIDs, id)
	}
	pc.Log.Info("verify fan-out", "run_id", t.RunID, "domain", t.Domain, "probes", len(probeIDs))
	return pc.enqueueDomainDone(ctx, t, probeIDs)
}

func (pc *PipelineContext) enqueueDomainDone(ctx context.Context, t domainTask, dependsOn []uuid.UUID) error {
	t.Task = taskDomainDone
	_, err := pc.Queue.Enqueue(ctx, queue.EnqueueParams{
		Queue:       domain.QueueVerify,
		RunID:       t.RunID,
		Payload:     t,
		DependsOn:   dependsOn,
		MaxAttempts: 3,
	})
	return err
}

func behaviorLabel(p *resolve.Profile) string {
	if p == nil || p.Samples == 0 {
		return ""
	}
	if p.Tarpit {
		return "tarpit"
	}
	if p.TempFailRate > 0.5 {
		return "greylisting"
	}
	return "normal"
}

// HandleProbeEmail verifies a single address end to end and appends the
// result row. Retryable failures return an error without writing a row;
// the dispatcher re-enqueues on the retry schedule.
func (pc *PipelineContext) HandleProbeEmail(ctx context.Context, job *domain.Job) error {
	var t probeTask
	if err := json.Unmarshal(job.Payload, &t); err != nil {
		return domain.NewError(domain.KindValidation, "bad probe payload", err)
	}
	_, stop, err := pc.runForTask(ctx, t.RunID)
	if err != nil || stop {
		return err
	}

	email, err := pc.Store.GetEmail(ctx, pc.TenantID, t.EmailID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	start := pc.Now()
	verdict, sig, probeRes := pc.verifyOne(ctx, email, t.Domain)
	if verdict == nil {
		// Retryable path: no row yet, schedule another attempt.
		return domain.NewError(domain.KindSMTPTempFail,
			fmt.Sprintf("probe inconclusive for email %d", t.EmailID), nil)
	}

	return pc.persistVerdict(ctx, t, email, *verdict, sig, probeRes, start)
}

// verifyOne runs the full per-address flow. A nil verdict means the
// attempt was inconclusive and should be retried.
func (pc *PipelineContext) verifyOne(ctx context.Context, email *domain.Email, dom string) (*verify.Verdict, verify.Signals, *verify.ProbeResult) {
	now := pc.Now()
	sig := verify.Signals{FallbackConfigured: pc.Fallback.Enabled()}

	mx, err := pc.Resolver.Resolve(ctx, dom)
	if err != nil {
		// DNS trouble is retryable; give the schedule a chance.
		return nil, sig, nil
	}
	if mx.NoMX {
		// Freemail domains take this path too: the resolver reports
		// them as NoMX without touching the network.
		sig.NoMX = true
		v := pc.Classifier.Classify(sig, now)
		return &v, sig, nil
	}

	// Catch-all verdict comes from the latest resolution row, written by
	// verify_domain; a missing or stale one degrades gracefully.
	if res, rerr := pc.Store.LatestResolution(ctx, pc.TenantID, dom); rerr == nil && res.CatchallCheckedAt != nil {
		sig.Catchall = res.CatchallStatus
		sig.CatchallAt = *res.CatchallCheckedAt
	}

	if sig.Catchall == domain.CatchAll && pc.Cfg.Verify.SkipProbesOnCatchall {
		v := pc.Classifier.Classify(sig, now)
		return &v, sig, nil
	}

	// Environment gate: a blocked port is terminal per MX host, so each
	// exchanger gets a chance before the vendor or the admitted unknown.
	probeHost := pc.preflightHost(ctx, mx.Hosts)
	if probeHost == "" {
		if pc.Fallback.Enabled() {
			sig.Fallback = pc.Fallback.Check(ctx, email.Email)
			sig.FallbackAt = now
		}
		sig.RcptReason = "tcp25_blocked"
		v := pc.Classifier.Classify(sig, now)
		return &v, sig, nil
	}

	lease, wait, err := pc.acquireProbeBudget(ctx, probeHost)
	if err != nil || lease == nil {
		pc.Log.Debug("probe rate limited", "mx", probeHost, "wait", wait)
		return nil, sig, nil
	}
	defer lease.Release(ctx)

	hint := pc.Behavior.Profile(ctx, probeHost)
	probeRes, probeErr := pc.Prober.Probe(ctx, probeHost, email.Email, hint)
	if probeErr != nil {
		var perr *domain.PipelineError
		if errors.As(probeErr, &perr) && perr.Retryable() {
			return nil, sig, probeRes
		}
	}
	if probeRes != nil {
		sig.Rcpt = probeRes.Category
		if probeRes.Code != 0 {
			code := probeRes.Code
			sig.RcptCode = &code
		}
		sig.RcptReason = probeRes.Reason
		sig.RcptAt = now
	}

	if (sig.Rcpt == domain.RcptTempFail || sig.Rcpt == domain.RcptUnknown) && pc.Fallback.Enabled() {
		sig.Fallback = pc.Fallback.Check(ctx, email.Email)
		sig.FallbackAt = now
	}

	v := pc.Classifier.Classify(sig, now)
	if !v.Status.Conclusive() && sig.Rcpt == domain.RcptTempFail {
		// Temp-fail without a vendor opinion: retry on the schedule
		// instead of burning the unknown verdict early.
		if !sig.FallbackConfigured {
			return nil, sig, probeRes
		}
	}
	return &v, sig, probeRes
}

// preflightHost returns the first reachable MX host, trying hosts in
// priority order. Empty means port 25 is unreachable toward every
// exchanger from this worker.
func (pc *PipelineContext) preflightHost(ctx context.Context, hosts []string) string {
	for _, h := range hosts {
		if err := pc.Preflight.Check(ctx, h); err == nil {
			return h
		}
	}
	return ""
}

// acquireProbeBudget takes the layered limits for one probe: global and
// per-MX concurrency plus both token buckets.
func (pc *PipelineContext) acquireProbeBudget(ctx context.Context, mxHost string) (*ratelimit.Lease, time.Duration, error) {
	ok, wait, err := pc.Limiter.ConsumeRPS(ctx, "global", pc.Cfg.Rate.GlobalRPS)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, wait, nil
	}
	ok, wait, err = pc.Limiter.ConsumeRPS(ctx, "mx:"+mxHost, pc.Cfg.Rate.PerMXRPS)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, wait, nil
	}

	lease, err := pc.Limiter.AcquireWait(ctx, 10*time.Second,
		ratelimit.GlobalScope(pc.Cfg.Rate.GlobalMaxConcurrency),
		ratelimit.MXScope(mxHost, pc.Cfg.Rate.PerMXMaxConcurrency))
	if err != nil {
		if errors.Is(err, ratelimit.ErrRateLimited) {
			return nil, time.Second, nil
		}
		return nil, 0, err
	}
	return lease, 0, nil
}

// persistVerdict appends the result row and bumps run counters.
func (pc *PipelineContext) persistVerdict(ctx context.Context, t probeTask, email *domain.Email, v verify.Verdict, sig verify.Signals, probeRes *verify.ProbeResult, start time.Time) error {
	now := pc.Now()
	row := &domain.VerificationResult{
		TenantID:     pc.TenantID,
		EmailID:      email.ID,
		CheckedAt:    now,
		VerifyStatus: v.Status,
		VerifyReason: v.Reason,
		ElapsedMS:    now.Sub(start).Milliseconds(),
	}
	if probeRes != nil {
		row.MXHost = probeRes.MXHost
		row.SMTPCode = sig.RcptCode
		row.SMTPReason = probeRes.Reason
	}
	if sig.FallbackAt != (time.Time{}) {
		row.FallbackStatus = sig.Fallback
		fa := sig.FallbackAt
		row.FallbackAt = &fa
	}
	if v.Status == domain.VerifyValid {
		row.VerifiedMX = row.MXHost
		va := now
		row.VerifiedAt = &va
	}
	if _, err := pc.Store.AppendVerification(ctx, row); err != nil {
		return err
	}

	delta := domain.RunProgress{EmailsVerified: 1}
	switch v.Status {
	case domain.VerifyValid:
		delta.ValidCount = 1
	case domain.VerifyRiskyCatchAll:
		delta.RiskyCount = 1
	case domain.VerifyInvalid:
		delta.InvalidCount = 1
	default:
		delta.UnknownCount = 1
	}
	if err := pc.Store.BumpRunProgress(ctx, t.RunID, delta); err != nil {
		return err
	}
	pc.Log.Info("email verified", "run_id", t.RunID, "email_id", email.ID,
		"status", v.Status, "reason", v.Reason)
	return nil
}

// HandleDomainDone is the per-domain barrier: it runs once every probe
// for the domain has finished and counts the domain complete.
func (pc *PipelineContext) HandleDomainDone(ctx context.Context, job *domain.Job) error {
	var t domainTask
	if err := json.Unmarshal(job.Payload, &t); err != nil {
		return domain.NewError(domain.KindValidation, "bad domain_done payload", err)
	}
	if err := pc.Store.BumpRunProgress(ctx, t.RunID, domain.RunProgress{DomainsCompleted: 1}); err != nil {
		return err
	}
	pc.Log.Info("domain complete", "run_id", t.RunID, "domain", t.Domain)
	pc.maybeFinalize(ctx, t.RunID)
	return nil
}

// HandleProbeExhausted is called by the dispatcher when a probe job
// dead-letters: the address gets its terminal unknown_timeout row so
// the run can still account for it.
func (pc *PipelineContext) HandleProbeExhausted(ctx context.Context, job *domain.Job) {
	var t probeTask
	if err := json.Unmarshal(job.Payload, &t); err != nil {
		return
	}
	email, err := pc.Store.GetEmail(ctx, pc.TenantID, t.EmailID)
	if err != nil {
		return
	}
	v := verify.Verdict{Status: domain.VerifyUnknownTimeout, Reason: verify.ReasonUnknownTimeout}
	if err := pc.persistVerdict(ctx, t, email, v, verify.Signals{}, nil, pc.Now()); err != nil {
		pc.Log.Error("exhausted probe persist failed", "email_id", t.EmailID, "error", err)
	}
}

// runForTask loads the run and reports whether the handler should stop
// quietly (cancelled or terminal run).
func (pc *PipelineContext) runForTask(ctx context.Context, runID string) (*domain.Run, bool, error) {
	run, err := pc.Store.GetRun(ctx, pc.TenantID, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, true, nil
		}
		return nil, false, err
	}
	if run.Status == domain.RunCancelled {
		return run, true, nil
	}
	return run, false, nil
}
