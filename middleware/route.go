package middleware

import (
	midsec "PGateway/middleware/security"

	"github.com/gin-gonic/gin"
)

// 配置选项
type RouteOpt struct {
	IsAuth bool
	Roles  []string // 任一角色即可；空表示只要求已认证
}

// POST 封装；IsAuth=false 的路由登记为免鉴权
func (p *Pipeline) POST(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.POST(path, p.chain(path, handler, opt)...)
}

// GET 封装
func (p *Pipeline) GET(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.GET(path, p.chain(path, handler, opt)...)
}

func (p *Pipeline) chain(path string, handler gin.HandlerFunc, opt RouteOpt) []gin.HandlerFunc {
	if !opt.IsAuth {
		if p.auth != nil {
			p.auth.Exempt(path)
		}
		return []gin.HandlerFunc{handler}
	}
	if len(opt.Roles) > 0 {
		return []gin.HandlerFunc{midsec.RequireRole(opt.Roles...), handler}
	}
	return []gin.HandlerFunc{handler}
}
