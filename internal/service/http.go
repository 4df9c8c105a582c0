package service

import (
	"context"
	"strconv"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/transport/http"
)

const (
	OperationPipelineFetch     = "/posetl.v1.Pipeline/Fetch"
	OperationPipelineSubmitRun = "/posetl.v1.Pipeline/SubmitRun"
	OperationPipelineGetRun    = "/posetl.v1.Pipeline/GetRun"
	OperationPipelineListRuns  = "/posetl.v1.Pipeline/ListRuns"
	OperationPipelineCancelRun = "/posetl.v1.Pipeline/CancelRun"
	OperationPipelineLoad      = "/posetl.v1.Pipeline/Load"
	OperationPipelinePlan      = "/posetl.v1.Pipeline/Plan"
	OperationPipelineMetadata  = "/posetl.v1.Pipeline/Metadata"
	OperationPipelineBranches  = "/posetl.v1.Pipeline/Branches"
	OperationCronJobs          = "/posetl.v1.Cron/Jobs"
	OperationCronTrigger       = "/posetl.v1.Cron/Trigger"
)

// RegisterPipelineHTTPServer 注册流水线与定时任务路由
func RegisterPipelineHTTPServer(s *http.Server, svc *PipelineService, jobs *CronJobManager) {
	r := s.Route("/")
	r.POST("/v1/fetch", pipelineFetchHandler(svc))
	r.POST("/v1/runs", pipelineSubmitRunHandler(svc))
	r.GET("/v1/runs", pipelineListRunsHandler(svc))
	r.GET("/v1/runs/{id}", pipelineGetRunHandler(svc))
	r.DELETE("/v1/runs/{id}", pipelineCancelRunHandler(svc))
	r.GET("/v1/load", pipelineLoadHandler(svc))
	r.GET("/v1/plan", pipelinePlanHandler(svc))
	r.GET("/v1/metadata/{domain}/{stage}", pipelineMetadataHandler(svc))
	r.GET("/v1/branches", pipelineBranchesHandler(svc))
	r.GET("/v1/cron/jobs", cronJobsHandler(jobs))
	r.POST("/v1/cron/jobs/{name}/trigger", cronTriggerHandler(jobs))
}

func pipelineFetchHandler(svc *PipelineService) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in FetchRequest
		if err := ctx.Bind(&in); err != nil {
			return errors.BadRequest("INVALID_BODY", err.Error())
		}
		http.SetOperation(ctx, OperationPipelineFetch)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return svc.Fetch(ctx, req.(*FetchRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}

func pipelineSubmitRunHandler(svc *PipelineService) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in FetchRequest
		if err := ctx.Bind(&in); err != nil {
			return errors.BadRequest("INVALID_BODY", err.Error())
		}
		http.SetOperation(ctx, OperationPipelineSubmitRun)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return svc.SubmitRun(ctx, req.(*FetchRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(202, out)
	}
}

func pipelineGetRunHandler(svc *PipelineService) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		id := ctx.Vars().Get("id")
		http.SetOperation(ctx, OperationPipelineGetRun)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return svc.GetRun(ctx, req.(string))
		})
		out, err := h(ctx, id)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}

func pipelineListRunsHandler(svc *PipelineService) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		q := ctx.Query()
		limit := 0
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return errors.BadRequest("INVALID_ARGUMENT", "limit must be a non-negative integer")
			}
			limit = n
		}
		status := q.Get("status")
		http.SetOperation(ctx, OperationPipelineListRuns)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return svc.ListRuns(ctx, status, limit)
		})
		out, err := h(ctx, nil)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}

func pipelineCancelRunHandler(svc *PipelineService) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		id := ctx.Vars().Get("id")
		http.SetOperation(ctx, OperationPipelineCancelRun)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return svc.CancelRun(ctx, req.(string))
		})
		out, err := h(ctx, id)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}

func loadRequestFromQuery(ctx http.Context) *LoadRequest {
	q := ctx.Query()
	return &LoadRequest{
		Domain:   q.Get("domain"),
		Level:    q.Get("level"),
		Stage:    q.Get("stage"),
		Start:    q.Get("start"),
		End:      q.Get("end"),
		Branches: splitList(q.Get("branches")),
		Mode:     q.Get("mode"),
	}
}

func pipelineLoadHandler(svc *PipelineService) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		in := loadRequestFromQuery(ctx)
		http.SetOperation(ctx, OperationPipelineLoad)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return svc.Load(ctx, req.(*LoadRequest))
		})
		out, err := h(ctx, in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}

func pipelinePlanHandler(svc *PipelineService) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		in := loadRequestFromQuery(ctx)
		http.SetOperation(ctx, OperationPipelinePlan)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return svc.Plan(ctx, req.(*LoadRequest))
		})
		out, err := h(ctx, in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}

func pipelineMetadataHandler(svc *PipelineService) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		vars := ctx.Vars()
		domain, stage := vars.Get("domain"), vars.Get("stage")
		level := ctx.Query().Get("level")
		http.SetOperation(ctx, OperationPipelineMetadata)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return svc.Metadata(ctx, domain, stage, level)
		})
		out, err := h(ctx, nil)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}

func pipelineBranchesHandler(svc *PipelineService) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		date := ctx.Query().Get("date")
		http.SetOperation(ctx, OperationPipelineBranches)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return svc.Branches(ctx, req.(string))
		})
		out, err := h(ctx, date)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}

func cronJobsHandler(jobs *CronJobManager) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		http.SetOperation(ctx, OperationCronJobs)
		return ctx.Result(200, map[string]interface{}{"jobs": jobs.GetJobStatus()})
	}
}

func cronTriggerHandler(jobs *CronJobManager) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		name := ctx.Vars().Get("name")
		http.SetOperation(ctx, OperationCronTrigger)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			run, err := jobs.Trigger(ctx, req.(string))
			if err != nil {
				return nil, toAPIError(err)
			}
			return newRunReply(run), nil
		})
		out, err := h(ctx, name)
		if err != nil {
			return err
		}
		return ctx.Result(202, out)
	}
}
