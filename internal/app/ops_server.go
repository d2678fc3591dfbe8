package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"swap-engine/internal/monitor"
	"swap-engine/internal/order"
)

// startOpsServer 启动运维观察接口：订单查询、队列计数与事件检索。
// 该接口不属于对外交易入口，只服务运维与调试。
func startOpsServer(ctx context.Context, svc *OrderService, mon *monitor.Service, port int, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/orders/active", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Active(), logger)
	})

	mux.HandleFunc("/orders/", func(w http.ResponseWriter, r *http.Request) {
		orderID := strings.TrimPrefix(r.URL.Path, "/orders/")
		if orderID == "" || strings.Contains(orderID, "/") {
			http.NotFound(w, r)
			return
		}

		rec, found, err := svc.Get(r.Context(), orderID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !found {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, rec, logger)
	})

	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req order.Request
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			orderID, err := svc.Submit(r.Context(), "", req)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			if err := json.NewEncoder(w).Encode(map[string]string{"orderId": orderID}); err != nil {
				logger.Warn("写入响应失败", zap.Error(err))
			}
		default:
			limit := parseLimit(r, 100, 1000)
			records, err := svc.Recent(r.Context(), limit)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, records, logger)
		}
	})

	mux.HandleFunc("/queue/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Stats(), logger)
	})

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		limit := parseLimit(r, 200, 1000)

		eventType := monitor.EventType("")
		if typ := strings.TrimSpace(r.URL.Query().Get("type")); typ != "" {
			eventType = monitor.EventType(strings.ToLower(typ))
		}

		events, err := mon.ListEvents(r.Context(), eventType, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, events, logger)
	})

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭运维接口失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("运维接口异常", zap.Error(err))
		}
	}()

	logger.Info("运维接口已启动", zap.String("addr", addr))
	return nil
}

func parseLimit(r *http.Request, fallback, max int) int {
	limit := fallback
	if qs := r.URL.Query().Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > max {
				v = max
			}
			limit = v
		}
	}
	return limit
}

func writeJSON(w http.ResponseWriter, payload interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("写入响应失败", zap.Error(err))
	}
}
