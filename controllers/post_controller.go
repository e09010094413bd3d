package controllers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/jamesirl/blog/config"
	"github.com/jamesirl/blog/middleware"
	"github.com/jamesirl/blog/models"
	"github.com/jamesirl/blog/utils"
)

// PostController serves the post listing, detail and the god-gated CRUD
// operations.
type PostController struct {
	db *gorm.DB
}

// NewPostController creates a new PostController instance.
func NewPostController(db *gorm.DB) *PostController {
	return &PostController{db: db}
}

// listColumns keeps the index pages light: the full markdown body is only
// loaded on the detail page.
var listColumns = []string{"pid", "title", "tags", "topic", "friendly_url", "body_preview", "date_created"}

// Index renders the paginated post list, most recent first.
func (p *PostController) Index(ctx *gin.Context) {
	p.renderList(ctx, "")
}

// Filter renders the list restricted to one topic. Matching is exact and
// case-sensitive; an unknown topic simply yields an empty page.
func (p *PostController) Filter(ctx *gin.Context) {
	p.renderList(ctx, ctx.Param("topic"))
}

func (p *PostController) renderList(ctx *gin.Context, topic string) {
	page, pageSize := parsePagination(ctx.Query("page"), ctx.Query("page_size"))

	cacheKey := fmt.Sprintf("%stopic=%s:page=%d:size=%d", utils.CacheKeyPostList, topic, page, pageSize)
	var posts []models.Post
	if !utils.CacheGetJSON(cacheKey, &posts) {
		query := p.db.WithContext(ctx.Request.Context()).
			Select(listColumns).
			Order("pid DESC").
			Offset((page - 1) * pageSize).
			Limit(pageSize)
		if topic != "" {
			query = query.Where("topic = ?", topic)
		}
		if err := query.Find(&posts).Error; err != nil {
			p.serverError(ctx, "list posts", err)
			return
		}
		utils.CacheSetJSON(cacheKey, posts, 0)
	}

	ctx.HTML(http.StatusOK, "index.html", viewData(ctx, gin.H{
		"Rows":     posts,
		"Topic":    topic,
		"Page":     page,
		"PrevPage": page - 1,
		"NextPage": page + 1,
		"HasMore":  len(posts) == pageSize,
	}))
}

// Show renders a single post. The identifier is preferentially a
// friendly_url; a numeric pid is accepted for legacy links and redirected to
// the canonical slug.
func (p *PostController) Show(ctx *gin.Context) {
	ident := ctx.Param("idOrSlug")

	var matches []models.Post
	if !utils.CacheGetJSON(utils.CacheKeyPostDetail+ident, &matches) {
		if err := p.db.WithContext(ctx.Request.Context()).
			Where("friendly_url = ?", ident).
			Limit(2).
			Find(&matches).Error; err != nil {
			p.serverError(ctx, "load post", err)
			return
		}
		if len(matches) == 1 {
			utils.CacheSetJSON(utils.CacheKeyPostDetail+ident, matches, 0)
		}
	}

	switch len(matches) {
	case 1:
		post := matches[0]
		ctx.HTML(http.StatusOK, "post.html", viewData(ctx, gin.H{
			"Row":      post,
			"BodyHTML": utils.RenderMarkdown(post.BodyMarkdown),
		}))
		return
	case 0:
		// Fall back to pid lookup for legacy links.
	default:
		// friendly_url is unique; two matches mean corrupted data.
		p.serverError(ctx, "duplicate friendly_url", fmt.Errorf("friendly_url %q matches %d posts", ident, len(matches)))
		return
	}

	pid, err := strconv.ParseUint(ident, 10, 64)
	if err != nil {
		notFound(ctx)
		return
	}

	var post models.Post
	if err := p.db.WithContext(ctx.Request.Context()).First(&post, "pid = ?", pid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			notFound(ctx)
			return
		}
		p.serverError(ctx, "load post", err)
		return
	}

	ctx.Redirect(http.StatusFound, "/posts/"+post.FriendlyURL)
}

// CreateForm renders the admin create view.
func (p *PostController) CreateForm(ctx *gin.Context) {
	ctx.HTML(http.StatusOK, "create.html", viewData(ctx, gin.H{
		"Topics": config.Get().Topics,
	}))
}

// Create persists a new post and stores any uploaded photos.
func (p *PostController) Create(ctx *gin.Context) {
	form := postForm(ctx)
	errs := validatePostForm(form)

	if form.FriendlyURL != "" && len(errs) == 0 {
		taken, err := p.slugTaken(ctx, form.FriendlyURL, 0)
		if err != nil {
			p.serverError(ctx, "check slug", err)
			return
		}
		if taken {
			errs["friendly_url"] = "that URL is already in use"
		}
	}

	if len(errs) > 0 {
		ctx.HTML(http.StatusUnprocessableEntity, "create.html", viewData(ctx, gin.H{
			"Topics": config.Get().Topics,
			"Errors": errs,
			"Form":   form,
		}))
		return
	}

	slug := form.FriendlyURL
	if slug == "" {
		var err error
		if slug, err = p.uniqueSlug(ctx, utils.Slugify(form.Title)); err != nil {
			p.serverError(ctx, "derive slug", err)
			return
		}
	}

	post := models.Post{
		Title:        form.Title,
		Tags:         form.Tags,
		Topic:        form.Topic,
		FriendlyURL:  slug,
		BodyPreview:  form.Preview,
		BodyMarkdown: form.Markdown,
	}
	if err := p.db.WithContext(ctx.Request.Context()).Create(&post).Error; err != nil {
		p.serverError(ctx, "create post", err)
		return
	}

	p.savePhotos(ctx)
	utils.InvalidateByPrefix(utils.CacheKeyPostList)

	ctx.Redirect(http.StatusFound, "/")
}

// EditForm renders the admin edit view for an existing post.
func (p *PostController) EditForm(ctx *gin.Context) {
	post, ok := p.loadByPID(ctx)
	if !ok {
		return
	}
	ctx.HTML(http.StatusOK, "edit.html", viewData(ctx, gin.H{
		"Row":    post,
		"Topics": config.Get().Topics,
	}))
}

// Edit overwrites the editable columns of a post. DateCreated and the slug
// are untouched; last writer wins.
func (p *PostController) Edit(ctx *gin.Context) {
	post, ok := p.loadByPID(ctx)
	if !ok {
		return
	}

	form := postForm(ctx)
	errs := validatePostForm(form)
	if len(errs) > 0 {
		ctx.HTML(http.StatusUnprocessableEntity, "edit.html", viewData(ctx, gin.H{
			"Row":    post,
			"Topics": config.Get().Topics,
			"Errors": errs,
			"Form":   form,
		}))
		return
	}

	updates := map[string]interface{}{
		"title":         form.Title,
		"tags":          form.Tags,
		"topic":         form.Topic,
		"body_preview":  form.Preview,
		"body_markdown": form.Markdown,
	}
	if err := p.db.WithContext(ctx.Request.Context()).
		Model(&models.Post{}).
		Where("pid = ?", post.PID).
		Updates(updates).Error; err != nil {
		p.serverError(ctx, "update post", err)
		return
	}

	p.savePhotos(ctx)
	utils.InvalidateByPrefix(utils.CacheKeyPostList)
	utils.InvalidateByPrefix(utils.CacheKeyPostDetail + post.FriendlyURL)

	ctx.Redirect(http.StatusFound, "/")
}

// Delete removes a post by pid. Uploaded photos are left in place; they are
// best-effort attachments with no foreign key back to the post.
func (p *PostController) Delete(ctx *gin.Context) {
	post, ok := p.loadByPID(ctx)
	if !ok {
		return
	}

	if err := p.db.WithContext(ctx.Request.Context()).Delete(&models.Post{}, "pid = ?", post.PID).Error; err != nil {
		p.serverError(ctx, "delete post", err)
		return
	}

	utils.InvalidateByPrefix(utils.CacheKeyPostList)
	utils.InvalidateByPrefix(utils.CacheKeyPostDetail + post.FriendlyURL)

	ctx.Redirect(http.StatusFound, "/")
}

// loadByPID resolves the :pid route param, rendering notfound/servererror
// itself. The boolean reports whether the caller may continue.
func (p *PostController) loadByPID(ctx *gin.Context) (models.Post, bool) {
	var post models.Post
	pid, err := strconv.ParseUint(ctx.Param("pid"), 10, 64)
	if err != nil {
		notFound(ctx)
		return post, false
	}
	if err := p.db.WithContext(ctx.Request.Context()).First(&post, "pid = ?", pid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			notFound(ctx)
			return post, false
		}
		p.serverError(ctx, "load post", err)
		return post, false
	}
	return post, true
}

func (p *PostController) slugTaken(ctx *gin.Context, slug string, excludePID uint) (bool, error) {
	var count int64
	query := p.db.WithContext(ctx.Request.Context()).Model(&models.Post{}).Where("friendly_url = ?", slug)
	if excludePID != 0 {
		query = query.Where("pid <> ?", excludePID)
	}
	if err := query.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// uniqueSlug appends a numeric suffix until the generated slug is free.
func (p *PostController) uniqueSlug(ctx *gin.Context, base string) (string, error) {
	if base == "" {
		base = "post"
	}
	slug := base
	for i := 2; ; i++ {
		taken, err := p.slugTaken(ctx, slug, 0)
		if err != nil {
			return "", err
		}
		if !taken {
			return slug, nil
		}
		slug = fmt.Sprintf("%s-%d", base, i)
	}
}

// savePhotos stores the uploaded photos, if any. Uploads are best-effort and
// never fail the surrounding write; a failed file is logged and skipped.
func (p *PostController) savePhotos(ctx *gin.Context) {
	mf, err := ctx.MultipartForm()
	if err != nil || mf == nil {
		return
	}
	files := mf.File["photos"]
	if len(files) == 0 {
		return
	}
	if _, err := utils.SavePhotos(files); err != nil && utils.Sugar != nil {
		utils.Sugar.Warnf("photo upload failed: %v", err)
	}
}

type postFormFields struct {
	Title       string
	Tags        string
	Topic       string
	FriendlyURL string
	Preview     string
	Markdown    string
}

func postForm(ctx *gin.Context) postFormFields {
	return postFormFields{
		Title:       strings.TrimSpace(ctx.PostForm("title")),
		Tags:        strings.TrimSpace(ctx.PostForm("tags")),
		Topic:       strings.TrimSpace(ctx.PostForm("topic")),
		FriendlyURL: strings.TrimSpace(ctx.PostForm("friendly_url")),
		Preview:     ctx.PostForm("preview"),
		Markdown:    ctx.PostForm("markdown"),
	}
}

func validatePostForm(form postFormFields) map[string]string {
	errs := map[string]string{}
	if form.Title == "" {
		errs["title"] = "title is required"
	}
	if strings.TrimSpace(form.Markdown) == "" {
		errs["markdown"] = "post body is required"
	}
	if !config.IsKnownTopic(form.Topic) {
		errs["topic"] = "unknown topic"
	}
	return errs
}

// maxPage bounds the page number so the offset arithmetic cannot overflow
// into a negative value GORM would silently drop.
const maxPage = 1_000_000

func parsePagination(pageStr, sizeStr string) (int, int) {
	cfg := config.Get()
	page := 1
	pageSize := cfg.PageSize
	if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
		page = p
		if page > maxPage {
			page = maxPage
		}
	}
	if s, err := strconv.Atoi(sizeStr); err == nil && s > 0 && s <= cfg.MaxPageSize {
		pageSize = s
	}
	return page, pageSize
}

// viewData decorates template data with the session flags every view needs.
func viewData(ctx *gin.Context, extra gin.H) gin.H {
	data := gin.H{}
	for k, v := range extra {
		data[k] = v
	}
	user, auth := middleware.CurrentUser(ctx)
	data["Auth"] = auth
	data["God"] = middleware.IsGod(ctx)
	data["User"] = user
	return data
}

func notFound(ctx *gin.Context) {
	ctx.HTML(http.StatusNotFound, "notfound.html", viewData(ctx, nil))
}

func (p *PostController) serverError(ctx *gin.Context, op string, err error) {
	if utils.Sugar != nil {
		utils.Sugar.Errorw("request failed", "op", op, "path", ctx.Request.URL.Path, "err", err)
	}
	ctx.HTML(http.StatusInternalServerError, "servererror.html", viewData(ctx, nil))
}
