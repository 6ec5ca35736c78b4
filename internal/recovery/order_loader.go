// Package recovery 从订单持久化存储加载挂单快照，供撮合服务重启后重建订单簿。
package recovery

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"

	"github.com/sam044/falcon-exchange/internal/types"
)

// DBOrderLoader 从 Postgres 加载 open 状态的限价单，实现 handler.OrderLoader。
type DBOrderLoader struct {
	db *sql.DB
}

func NewDBOrderLoader(db *sql.DB) *DBOrderLoader {
	return &DBOrderLoader{db: db}
}

// ListActiveSymbols 返回所有存在活跃挂单的交易对，按字母序排列。
func (l *DBOrderLoader) ListActiveSymbols(ctx context.Context) ([]string, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("db not configured")
	}
	const query = `
		SELECT DISTINCT symbol
		FROM exchange_order.orders
		WHERE status IN (1, 2) AND type = 1
		ORDER BY symbol ASC
	`
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		if strings.TrimSpace(symbol) != "" {
			symbols = append(symbols, symbol)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate symbols: %w", err)
	}
	return symbols, nil
}

// LoadOpenOrders 返回某一 symbol 所有 open 状态的限价单，按 create_time_ms、
// order_id 升序排列，保持撮合恢复所需的到达顺序。
func (l *DBOrderLoader) LoadOpenOrders(ctx context.Context, symbol string) ([]*types.OpenOrder, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("db not configured")
	}
	const query = `
		SELECT
			o.order_id,
			COALESCE(o.client_order_id, ''),
			o.symbol,
			o.side,
			o.type,
			o.price::text,
			o.orig_qty::text,
			o.executed_qty::text,
			o.create_time_ms,
			sc.price_precision,
			sc.qty_precision
		FROM exchange_order.orders o
		JOIN exchange_order.symbol_configs sc ON sc.symbol = o.symbol
		WHERE o.symbol = $1
		  AND o.status IN (1, 2)
		  AND o.type = 1
		ORDER BY o.create_time_ms ASC, o.order_id ASC
	`
	rows, err := l.db.QueryContext(ctx, query, symbol)
	if err != nil {
		return nil, fmt.Errorf("load open orders: %w", err)
	}
	defer rows.Close()

	var orders []*types.OpenOrder
	for rows.Next() {
		var (
			orderID       uint64
			clientOrderID string
			dbSymbol      string
			side          int
			orderType     int
			priceRaw      string
			origQtyRaw    string
			executedRaw   string
			createTimeMs  int64
			pricePrec     int
			qtyPrec       int
		)
		if err := rows.Scan(
			&orderID, &clientOrderID, &dbSymbol, &side, &orderType,
			&priceRaw, &origQtyRaw, &executedRaw, &createTimeMs, &pricePrec, &qtyPrec,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}

		price, err := parseScaledInt(priceRaw, pricePrec)
		if err != nil {
			return nil, fmt.Errorf("parse price: orderID=%d: %w", orderID, err)
		}
		origQty, err := parseScaledInt(origQtyRaw, qtyPrec)
		if err != nil {
			return nil, fmt.Errorf("parse orig_qty: orderID=%d: %w", orderID, err)
		}
		executedQty, err := parseScaledInt(executedRaw, qtyPrec)
		if err != nil {
			return nil, fmt.Errorf("parse executed_qty: orderID=%d: %w", orderID, err)
		}
		leavesQty := origQty - executedQty
		if leavesQty < 0 {
			leavesQty = 0
		}

		orders = append(orders, &types.OpenOrder{
			OrderID:          orderID,
			ClientOrderID:    clientOrderID,
			Symbol:           dbSymbol,
			Side:             sideToString(side),
			OrderType:        orderTypeToString(orderType),
			Price:            price,
			LeavesQty:        leavesQty,
			ArrivalTimestamp: createTimeMs * 1_000_000, // ms -> ns
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, nil
}

// parseScaledInt converts a NUMERIC column's text form (e.g. "150.00") into
// an integer scaled to precision decimal places (e.g. 15000 at precision=2),
// truncating extra fractional digits rather than rounding.
func parseScaledInt(value string, precision int) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	negative := strings.HasPrefix(value, "-")
	if negative {
		value = value[1:]
	}

	parts := strings.SplitN(value, ".", 2)
	intPart, fracPart := parts[0], ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > precision {
		fracPart = fracPart[:precision]
	} else if len(fracPart) < precision {
		fracPart += strings.Repeat("0", precision-len(fracPart))
	}

	scaled, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return 0, fmt.Errorf("invalid decimal: %s", value)
	}
	if negative {
		scaled.Neg(scaled)
	}
	return scaled.Int64(), nil
}

func sideToString(side int) string {
	switch side {
	case 1:
		return "BUY"
	case 2:
		return "SELL"
	default:
		return ""
	}
}

func orderTypeToString(orderType int) string {
	switch orderType {
	case 1:
		return "LIMIT"
	case 2:
		return "MARKET"
	default:
		return ""
	}
}
