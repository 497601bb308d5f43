package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/oapi-codegen/runtime"
)

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// (GET /health)
	GetHealth(c *gin.Context)
	// (POST /api/v1/wearables/sync)
	PostApiV1WearablesSync(c *gin.Context)
	// (GET /api/v1/wearables/connections)
	GetApiV1WearablesConnections(c *gin.Context, params GetApiV1WearablesConnectionsParams)
	// (DELETE /api/v1/wearables/connections/{provider})
	DeleteApiV1WearablesConnectionsProvider(c *gin.Context, provider Provider, params DeleteApiV1WearablesConnectionsProviderParams)
	// (POST /api/v1/wearables/apple/import)
	PostApiV1WearablesAppleImport(c *gin.Context)
	// (GET /api/v1/wearables/points)
	GetApiV1WearablesPoints(c *gin.Context, params GetApiV1WearablesPointsParams)
	// (GET /api/v1/users/{userId}/export)
	GetApiV1UsersUserIdExport(c *gin.Context, userId string)
	// (DELETE /api/v1/users/{userId}/data)
	DeleteApiV1UsersUserIdData(c *gin.Context, userId string)
}

// ServerInterfaceWrapper converts gin contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler            ServerInterface
	HandlerMiddlewares []gin.HandlerFunc
	ErrorHandler       func(*gin.Context, error, int)
}

func (siw *ServerInterfaceWrapper) runMiddlewares(c *gin.Context) bool {
	for _, middleware := range siw.HandlerMiddlewares {
		middleware(c)
		if c.IsAborted() {
			return false
		}
	}
	return true
}

// GetHealth operation middleware
func (siw *ServerInterfaceWrapper) GetHealth(c *gin.Context) {
	if !siw.runMiddlewares(c) {
		return
	}
	siw.Handler.GetHealth(c)
}

// PostApiV1WearablesSync operation middleware
func (siw *ServerInterfaceWrapper) PostApiV1WearablesSync(c *gin.Context) {
	if !siw.runMiddlewares(c) {
		return
	}
	siw.Handler.PostApiV1WearablesSync(c)
}

// GetApiV1WearablesConnections operation middleware
func (siw *ServerInterfaceWrapper) GetApiV1WearablesConnections(c *gin.Context) {
	var params GetApiV1WearablesConnectionsParams

	err := runtime.BindQueryParameter("form", true, true, "userId", c.Request.URL.Query(), &params.UserId)
	if err != nil {
		siw.ErrorHandler(c, fmt.Errorf("invalid format for parameter userId: %w", err), http.StatusBadRequest)
		return
	}

	if !siw.runMiddlewares(c) {
		return
	}
	siw.Handler.GetApiV1WearablesConnections(c, params)
}

// DeleteApiV1WearablesConnectionsProvider operation middleware
func (siw *ServerInterfaceWrapper) DeleteApiV1WearablesConnectionsProvider(c *gin.Context) {
	var provider Provider

	err := runtime.BindStyledParameterWithOptions("simple", "provider", c.Param("provider"), &provider,
		runtime.BindStyledParameterOptions{Explode: false, Required: true})
	if err != nil {
		siw.ErrorHandler(c, fmt.Errorf("invalid format for parameter provider: %w", err), http.StatusBadRequest)
		return
	}

	var params DeleteApiV1WearablesConnectionsProviderParams

	err = runtime.BindQueryParameter("form", true, true, "userId", c.Request.URL.Query(), &params.UserId)
	if err != nil {
		siw.ErrorHandler(c, fmt.Errorf("invalid format for parameter userId: %w", err), http.StatusBadRequest)
		return
	}

	if !siw.runMiddlewares(c) {
		return
	}
	siw.Handler.DeleteApiV1WearablesConnectionsProvider(c, provider, params)
}

// PostApiV1WearablesAppleImport operation middleware
func (siw *ServerInterfaceWrapper) PostApiV1WearablesAppleImport(c *gin.Context) {
	if !siw.runMiddlewares(c) {
		return
	}
	siw.Handler.PostApiV1WearablesAppleImport(c)
}

// GetApiV1WearablesPoints operation middleware
func (siw *ServerInterfaceWrapper) GetApiV1WearablesPoints(c *gin.Context) {
	var params GetApiV1WearablesPointsParams
	query := c.Request.URL.Query()

	err := runtime.BindQueryParameter("form", true, true, "userId", query, &params.UserId)
	if err != nil {
		siw.ErrorHandler(c, fmt.Errorf("invalid format for parameter userId: %w", err), http.StatusBadRequest)
		return
	}

	err = runtime.BindQueryParameter("form", true, false, "startDate", query, &params.StartDate)
	if err != nil {
		siw.ErrorHandler(c, fmt.Errorf("invalid format for parameter startDate: %w", err), http.StatusBadRequest)
		return
	}

	err = runtime.BindQueryParameter("form", true, false, "endDate", query, &params.EndDate)
	if err != nil {
		siw.ErrorHandler(c, fmt.Errorf("invalid format for parameter endDate: %w", err), http.StatusBadRequest)
		return
	}

	err = runtime.BindQueryParameter("form", true, false, "category", query, &params.Category)
	if err != nil {
		siw.ErrorHandler(c, fmt.Errorf("invalid format for parameter category: %w", err), http.StatusBadRequest)
		return
	}

	if !siw.runMiddlewares(c) {
		return
	}
	siw.Handler.GetApiV1WearablesPoints(c, params)
}

func (siw *ServerInterfaceWrapper) bindUserID(c *gin.Context) (string, bool) {
	var userId string
	err := runtime.BindStyledParameterWithOptions("simple", "userId", c.Param("userId"), &userId,
		runtime.BindStyledParameterOptions{Explode: false, Required: true})
	if err != nil {
		siw.ErrorHandler(c, fmt.Errorf("invalid format for parameter userId: %w", err), http.StatusBadRequest)
		return "", false
	}
	return userId, true
}

// GetApiV1UsersUserIdExport operation middleware
func (siw *ServerInterfaceWrapper) GetApiV1UsersUserIdExport(c *gin.Context) {
	userId, ok := siw.bindUserID(c)
	if !ok {
		return
	}

	if !siw.runMiddlewares(c) {
		return
	}
	siw.Handler.GetApiV1UsersUserIdExport(c, userId)
}

// DeleteApiV1UsersUserIdData operation middleware
func (siw *ServerInterfaceWrapper) DeleteApiV1UsersUserIdData(c *gin.Context) {
	userId, ok := siw.bindUserID(c)
	if !ok {
		return
	}

	if !siw.runMiddlewares(c) {
		return
	}
	siw.Handler.DeleteApiV1UsersUserIdData(c, userId)
}

// GinServerOptions provides options for the Gin server.
type GinServerOptions struct {
	BaseURL      string
	Middlewares  []gin.HandlerFunc
	ErrorHandler func(*gin.Context, error, int)
}

// RegisterHandlers creates http.Handler with routing matching the OpenAPI document.
func RegisterHandlers(router gin.IRouter, si ServerInterface) {
	RegisterHandlersWithOptions(router, si, GinServerOptions{})
}

// RegisterHandlersWithOptions creates http.Handler with additional options
func RegisterHandlersWithOptions(router gin.IRouter, si ServerInterface, options GinServerOptions) {
	errorHandler := options.ErrorHandler
	if errorHandler == nil {
		errorHandler = func(c *gin.Context, err error, statusCode int) {
			details := err.Error()
			c.JSON(statusCode, ErrorResponse{
				Code:    "VALIDATION_ERROR",
				Message: "Invalid request parameters",
				Details: &details,
			})
		}
	}

	wrapper := ServerInterfaceWrapper{
		Handler:            si,
		HandlerMiddlewares: options.Middlewares,
		ErrorHandler:       errorHandler,
	}

	router.GET(options.BaseURL+"/health", wrapper.GetHealth)
	router.POST(options.BaseURL+"/api/v1/wearables/sync", wrapper.PostApiV1WearablesSync)
	router.GET(options.BaseURL+"/api/v1/wearables/connections", wrapper.GetApiV1WearablesConnections)
	router.DELETE(options.BaseURL+"/api/v1/wearables/connections/:provider", wrapper.DeleteApiV1WearablesConnectionsProvider)
	router.POST(options.BaseURL+"/api/v1/wearables/apple/import", wrapper.PostApiV1WearablesAppleImport)
	router.GET(options.BaseURL+"/api/v1/wearables/points", wrapper.GetApiV1WearablesPoints)
	router.GET(options.BaseURL+"/api/v1/users/:userId/export", wrapper.GetApiV1UsersUserIdExport)
	router.DELETE(options.BaseURL+"/api/v1/users/:userId/data", wrapper.DeleteApiV1UsersUserIdData)
}
