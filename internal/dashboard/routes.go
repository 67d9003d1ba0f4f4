package dashboard

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/quoroom/internal/bus"
	"github.com/zulandar/quoroom/internal/goal"
	"github.com/zulandar/quoroom/internal/messaging"
	"github.com/zulandar/quoroom/internal/models"
	"github.com/zulandar/quoroom/internal/quorum"
	"github.com/zulandar/quoroom/internal/room"
	"github.com/zulandar/quoroom/internal/scheduler"
	"gorm.io/gorm"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, d *Deps) {
	api := router.Group("/api")

	api.GET("/rooms", d.listRooms)
	api.POST("/rooms", d.createRoom)
	api.GET("/rooms/:id", d.showRoom)
	api.POST("/rooms/:id/pause", d.pauseRoom)
	api.POST("/rooms/:id/resume", d.resumeRoom)
	api.PUT("/rooms/:id/settings", d.replaceSettings)
	api.GET("/rooms/:id/workers", d.listWorkers)
	api.POST("/rooms/:id/workers", d.addWorker)
	api.GET("/rooms/:id/goals", d.goalTree)
	api.GET("/rooms/:id/decisions", d.listDecisions)
	api.POST("/rooms/:id/decisions", d.propose)
	api.GET("/rooms/:id/escalations", d.keeperEscalations)
	api.GET("/rooms/:id/cycles", d.listCycles)

	api.DELETE("/workers/:id", d.removeWorker)
	api.POST("/workers/:id/start", d.startWorker)
	api.POST("/workers/:id/stop", d.stopWorker)
	api.POST("/workers/:id/unblock", d.unblockWorker)

	api.GET("/decisions/:id", d.showDecision)
	api.GET("/decisions/:id/votes", d.listVotes)
	api.POST("/decisions/:id/votes", d.castVote)
	api.POST("/decisions/:id/resolve", d.resolveDecision)

	api.POST("/escalations/:id/resolve", d.resolveEscalation)

	api.GET("/cycles/:id/logs", d.cycleLogs)

	api.GET("/events", d.events)
}

func (d *Deps) listRooms(c *gin.Context) {
	rooms, err := Overview(d.DB.WithContext(c.Request.Context()), c.Query("status"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rooms)
}

type createRoomRequest struct {
	Name       string         `json:"name" binding:"required"`
	Goal       string         `json:"goal" binding:"required"`
	QueenName  string         `json:"queen_name"`
	QueenModel string         `json:"queen_model"`
	Settings   *room.Settings `json:"settings"`
}

func (d *Deps) createRoom(c *gin.Context) {
	var req createRoomRequest
	if !bind(c, &req) {
		return
	}
	settings := d.Defaults
	if req.Settings != nil {
		settings = *req.Settings
	}
	if err := settings.Validate(); err != nil {
		fail(c, invalid(err.Error()))
		return
	}
	created, err := room.Create(d.DB.WithContext(c.Request.Context()), d.Bus, room.CreateOpts{
		Name:       req.Name,
		Goal:       req.Goal,
		QueenName:  req.QueenName,
		QueenModel: req.QueenModel,
		Settings:   &settings,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"room": created.Room, "queen": created.Queen, "root_goal": created.RootGoal})
}

func (d *Deps) showRoom(c *gin.Context) {
	s, err := Summarize(d.DB.WithContext(c.Request.Context()), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (d *Deps) pauseRoom(c *gin.Context) {
	d.setRoomStatus(c, room.Pause)
}

func (d *Deps) resumeRoom(c *gin.Context) {
	d.setRoomStatus(c, room.Resume)
}

func (d *Deps) setRoomStatus(c *gin.Context, apply func(*gorm.DB, bus.Emitter, string) error) {
	gdb := d.DB.WithContext(c.Request.Context())
	if err := apply(gdb, d.Bus, c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	r, err := room.Get(gdb, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

type settingsRequest struct {
	Version  int           `json:"version" binding:"required"`
	Settings room.Settings `json:"settings"`
}

func (d *Deps) replaceSettings(c *gin.Context) {
	var req settingsRequest
	if !bind(c, &req) {
		return
	}
	if err := req.Settings.Validate(); err != nil {
		fail(c, invalid(err.Error()))
		return
	}
	version, err := room.ReplaceSettings(d.DB.WithContext(c.Request.Context()), d.Bus, c.Param("id"), req.Version, req.Settings)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": version, "settings": req.Settings})
}

func (d *Deps) listWorkers(c *gin.Context) {
	gdb := d.DB.WithContext(c.Request.Context())
	if _, err := room.Get(gdb, c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	ws, err := room.Workers(gdb, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ws)
}

type addWorkerRequest struct {
	Name   string `json:"name" binding:"required"`
	Model  string `json:"model"`
	NoVote bool   `json:"no_vote"`
}

func (d *Deps) addWorker(c *gin.Context) {
	var req addWorkerRequest
	if !bind(c, &req) {
		return
	}
	gdb := d.DB.WithContext(c.Request.Context())
	if _, err := room.Get(gdb, c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	w, err := room.AddWorker(gdb, d.Bus, c.Param("id"), room.WorkerOpts{Name: req.Name, Model: req.Model, NoVote: req.NoVote})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (d *Deps) removeWorker(c *gin.Context) {
	if err := room.DeleteWorker(d.DB.WithContext(c.Request.Context()), d.Bus, c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (d *Deps) goalTree(c *gin.Context) {
	gdb := d.DB.WithContext(c.Request.Context())
	if _, err := room.Get(gdb, c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	tree, err := goal.Tree(gdb, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tree)
}

func (d *Deps) startWorker(c *gin.Context) {
	cycle, err := d.Scheduler.Start(c.Request.Context(), c.Param("id"), scheduler.StartOpts{Manual: true})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, cycle)
}

type stopRequest struct {
	Reason string `json:"reason"`
}

func (d *Deps) stopWorker(c *gin.Context) {
	var req stopRequest
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}
	cycle, err := d.Scheduler.Stop(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, cycle)
}

func (d *Deps) unblockWorker(c *gin.Context) {
	w, err := room.Unblock(d.DB.WithContext(c.Request.Context()), d.Bus, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (d *Deps) listDecisions(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := room.Get(d.DB.WithContext(ctx), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	ds, err := d.Quorum.List(ctx, c.Param("id"), c.Query("status"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ds)
}

type proposeRequest struct {
	ProposerID string `json:"proposer_id" binding:"required"`
	Proposal   string `json:"proposal" binding:"required"`
	Type       string `json:"type"`
}

func (d *Deps) propose(c *gin.Context) {
	var req proposeRequest
	if !bind(c, &req) {
		return
	}
	ctx := c.Request.Context()
	if _, err := room.Get(d.DB.WithContext(ctx), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	dec, err := d.Quorum.Propose(ctx, quorum.ProposeOpts{
		RoomID:     c.Param("id"),
		ProposerID: req.ProposerID,
		Proposal:   req.Proposal,
		Type:       req.Type,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, dec)
}

func (d *Deps) showDecision(c *gin.Context) {
	ctx := c.Request.Context()
	dec, err := d.Quorum.Get(ctx, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	tally, err := d.Quorum.Tally(ctx, dec.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": dec, "tally": tally})
}

func (d *Deps) listVotes(c *gin.Context) {
	viewer := c.DefaultQuery("viewer", models.KeeperID)
	ballots, err := d.Quorum.Votes(c.Request.Context(), c.Param("id"), viewer)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ballots)
}

type voteRequest struct {
	VoterID   string `json:"voter_id"`
	Vote      string `json:"vote" binding:"required"`
	Reasoning string `json:"reasoning"`
}

func (d *Deps) castVote(c *gin.Context) {
	var req voteRequest
	if !bind(c, &req) {
		return
	}
	if req.VoterID == "" {
		req.VoterID = models.KeeperID
	}
	dec, err := d.Quorum.CastVote(c.Request.Context(), c.Param("id"), req.VoterID, req.Vote, req.Reasoning)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dec)
}

type resolveDecisionRequest struct {
	Status     string `json:"status" binding:"required"`
	Resolution string `json:"resolution"`
}

func (d *Deps) resolveDecision(c *gin.Context) {
	var req resolveDecisionRequest
	if !bind(c, &req) {
		return
	}
	switch req.Status {
	case models.DecisionApproved, models.DecisionRejected, models.DecisionExpired:
	default:
		fail(c, invalid("status must be approved, rejected or expired"))
		return
	}
	dec, err := d.Quorum.Resolve(c.Request.Context(), c.Param("id"), req.Status, req.Resolution, models.KeeperID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dec)
}

func (d *Deps) keeperEscalations(c *gin.Context) {
	gdb := d.DB.WithContext(c.Request.Context())
	if _, err := room.Get(gdb, c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	esc, err := messaging.PendingForKeeper(gdb, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, esc)
}

type answerRequest struct {
	Answer string `json:"answer" binding:"required"`
}

func (d *Deps) resolveEscalation(c *gin.Context) {
	var req answerRequest
	if !bind(c, &req) {
		return
	}
	esc, err := messaging.Resolve(d.DB.WithContext(c.Request.Context()), d.Bus, c.Param("id"), req.Answer)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, esc)
}

func (d *Deps) listCycles(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	cycles, err := Cycles(d.DB.WithContext(c.Request.Context()), CycleFilter{
		RoomID:   c.Param("id"),
		WorkerID: c.Query("worker"),
		Status:   c.Query("status"),
		Limit:    limit,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cycles)
}

func (d *Deps) cycleLogs(c *gin.Context) {
	logs, err := CycleLogs(d.DB.WithContext(c.Request.Context()), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}
